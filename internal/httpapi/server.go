package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/safegram/syncd/internal/notify"
	"github.com/safegram/syncd/internal/state"
	"github.com/safegram/syncd/internal/store"
	"github.com/safegram/syncd/internal/sync"
	"go.uber.org/zap"
)

// Server exposes the daemon's reconciled state to UI front-ends over the
// profile's unix socket. The surface is read-mostly; the write endpoints
// delegate straight to the synchronization core.
type Server struct {
	engine     *sync.Engine
	db         *store.DB
	logger     *zap.Logger
	http       *http.Server
	listener   net.Listener
	socketPath string
}

func NewServer(engine *sync.Engine, db *store.DB, logger *zap.Logger, socketPath string) (*Server, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		engine:     engine,
		db:         db,
		logger:     logger.Named("httpapi"),
		listener:   listener,
		socketPath: socketPath,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/chats", s.handleListChats).Methods(http.MethodGet)
	r.HandleFunc("/v1/chats/{id}", s.handleGetChat).Methods(http.MethodGet)
	r.HandleFunc("/v1/chats/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/chats/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/v1/presence/{userId}", s.handlePresence).Methods(http.MethodGet)
	r.HandleFunc("/v1/outbox", s.handleListOutbox).Methods(http.MethodGet)
	r.HandleFunc("/v1/outbox/{localId}", s.handleCancelOutbox).Methods(http.MethodDelete)
	r.HandleFunc("/v1/active-chat", s.handleSetActiveChat).Methods(http.MethodPut)
	r.HandleFunc("/v1/notifications/test", s.handleNotificationTest).Methods(http.MethodPost)

	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	_ = s.http.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

type statusResponse struct {
	State        string `json:"state"`
	ActiveChatID string `json:"activeChatId,omitempty"`
	LastResyncAt int64  `json:"lastResyncAt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		State:        string(s.engine.Status()),
		ActiveChatID: s.engine.ActiveChat(),
	}
	if at, ok := s.engine.LastResync(); ok {
		resp.LastResyncAt = at.UnixMilli()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type chatResponse struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	MemberIDs     []string `json:"memberIds"`
	LastMessage   string   `json:"lastMessage"`
	LastMessageAt int64    `json:"lastMessageAt"`
	UnreadCount   int      `json:"unreadCount"`
	Archived      bool     `json:"archived"`
}

func chatJSON(c state.ChatSummary) chatResponse {
	members := c.MemberIDs
	if members == nil {
		members = []string{}
	}
	return chatResponse{
		ID:            c.ID,
		Kind:          string(c.Kind),
		MemberIDs:     members,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   c.UnreadCount,
		Archived:      c.Archived,
	}
}

func (s *Server) handleListChats(w http.ResponseWriter, _ *http.Request) {
	all := s.engine.Chats().All()
	chats := make([]chatResponse, 0, len(all))
	for _, c := range all {
		chats = append(chats, chatJSON(c))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	chat, ok := s.engine.Chats().Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	s.writeJSON(w, http.StatusOK, chatJSON(chat))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Body == "" {
		s.writeError(w, http.StatusBadRequest, "body is required")
		return
	}

	localID, err := s.engine.Submit(r.Context(), chatID, req.Body)
	if err != nil {
		s.logger.Error("submit failed", zap.Error(err), zap.String("chat_id", chatID))
		s.writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"localId": localID})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if err := s.engine.MarkRead(r.Context(), chatID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	s.writeJSON(w, http.StatusOK, map[string]string{
		"userId": userID,
		"status": string(s.engine.Presence().Get(userID)),
	})
}

type outboxResponse struct {
	LocalID    string `json:"localId"`
	ChatID     string `json:"chatId"`
	Body       string `json:"body"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
	EnqueuedAt int64  `json:"enqueuedAt"`
}

func (s *Server) handleListOutbox(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.db.ListOutbox()
	if err != nil {
		s.logger.Error("list outbox failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list outbox failed")
		return
	}
	items := make([]outboxResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, outboxResponse{
			LocalID:    e.LocalID,
			ChatID:     e.ChatID,
			Body:       e.Body,
			Status:     e.Status,
			Attempt:    e.Attempt,
			Error:      e.ErrorMessage,
			EnqueuedAt: e.EnqueuedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"outbox": items})
}

func (s *Server) handleCancelOutbox(w http.ResponseWriter, r *http.Request) {
	localID := mux.Vars(r)["localId"]
	if err := s.engine.CancelSend(localID); err != nil {
		if errors.Is(err, store.ErrNotCancelable) {
			s.writeError(w, http.StatusConflict, "message is not cancelable")
			return
		}
		s.logger.Error("cancel failed", zap.Error(err), zap.String("local_id", localID))
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActiveChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID string `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.engine.SetActiveChat(req.ChatID)
	w.WriteHeader(http.StatusNoContent)
}

// handleNotificationTest validates and echoes a notification payload so
// front-ends can exercise their display path against the daemon.
func (s *Server) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	payload, err := notify.DecodePayload(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
