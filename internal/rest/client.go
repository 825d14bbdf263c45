package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/safegram/syncd/internal/state"
)

// Client talks to the SafeGram REST API for snapshot fetches and message
// sends. The push channel is not its concern.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a REST client for the given server.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// chatRecord is the wire shape of a chat in the snapshot response.
type chatRecord struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Members       []string `json:"members"`
	LastMessage   string   `json:"lastMessage"`
	LastMessageAt int64    `json:"lastMessageAt"`
	UnreadCount   int      `json:"unreadCount"`
	Archived      bool     `json:"archived"`
}

// UserRecord is a user row from the snapshot response.
type UserRecord struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
	IsOnline bool   `json:"isOnline"`
}

// FetchChats retrieves the authoritative chat snapshot.
func (c *Client) FetchChats(ctx context.Context) ([]state.ChatSummary, error) {
	var resp struct {
		Chats []chatRecord `json:"chats"`
	}
	if err := c.get(ctx, "/api/chats", &resp); err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}

	chats := make([]state.ChatSummary, 0, len(resp.Chats))
	for _, rec := range resp.Chats {
		chats = append(chats, state.ChatSummary{
			ID:            rec.ID,
			Kind:          chatKind(rec.Type),
			MemberIDs:     rec.Members,
			LastMessage:   rec.LastMessage,
			LastMessageAt: rec.LastMessageAt,
			UnreadCount:   rec.UnreadCount,
			Archived:      rec.Archived,
		})
	}
	return chats, nil
}

// FetchUsers retrieves the authoritative user snapshot. The server reports
// presence either as an isOnline flag or a status string; both normalize
// to online/offline.
func (c *Client) FetchUsers(ctx context.Context) ([]UserRecord, error) {
	var resp struct {
		Users []UserRecord `json:"users"`
	}
	if err := c.get(ctx, "/api/users", &resp); err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	for i := range resp.Users {
		resp.Users[i].Status = normalizeStatus(resp.Users[i])
	}
	return resp.Users, nil
}

// SendMessage posts a message to a chat. The local ID lets the server
// deduplicate retries of the same send.
func (c *Client) SendMessage(ctx context.Context, chatID, body, localID string) error {
	payload := map[string]string{
		"text":     body,
		"clientId": localID,
	}
	path := fmt.Sprintf("/api/chats/%s/messages", chatID)
	if err := c.post(ctx, path, payload); err != nil {
		return fmt.Errorf("send message to %s: %w", chatID, err)
	}
	return nil
}

// MarkRead notifies the server that a chat has been read locally.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	path := fmt.Sprintf("/api/chats/%s/read", chatID)
	if err := c.post(ctx, path, struct{}{}); err != nil {
		return fmt.Errorf("mark read %s: %w", chatID, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func chatKind(t string) state.ChatKind {
	switch t {
	case "group":
		return state.Group
	case "channel", "broadcast":
		// The server calls one-to-many chats "channel".
		return state.Broadcast
	default:
		// The server calls direct chats "dm".
		return state.Direct
	}
}

func normalizeStatus(u UserRecord) string {
	if u.IsOnline || u.Status == "online" {
		return "online"
	}
	return "offline"
}
