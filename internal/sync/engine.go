package sync

import (
	"context"
	"sync"
	"time"

	"github.com/safegram/syncd/internal/bus"
	"github.com/safegram/syncd/internal/notify"
	"github.com/safegram/syncd/internal/outbox"
	"github.com/safegram/syncd/internal/presence"
	"github.com/safegram/syncd/internal/rest"
	"github.com/safegram/syncd/internal/state"
	"github.com/safegram/syncd/internal/status"
	"github.com/safegram/syncd/internal/store"
	"github.com/safegram/syncd/internal/wire"
	"go.uber.org/zap"
)

// ReadNotifier tells the server a chat was read locally.
type ReadNotifier interface {
	MarkRead(ctx context.Context, chatID string) error
}

// Engine is the synchronization core. It owns the chat-list state, the
// presence cache, the notifier, and the outbox, and is the single writer
// for all of them: live events arrive via HandleFrame on the transport's
// read goroutine, snapshots arrive via ApplySnapshot from the resync
// controller, and both funnel through the same state containers. Events
// within a frame apply strictly in arrival order.
type Engine struct {
	chats    *state.ChatList
	presence *presence.Cache
	notifier *notify.Notifier
	outbox   *outbox.Sender
	api      ReadNotifier
	db       *store.DB
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger

	localUserID string
	checkpoints *Checkpoints

	mu           sync.RWMutex
	activeChatID string
}

func NewEngine(chats *state.ChatList, cache *presence.Cache, notifier *notify.Notifier, sender *outbox.Sender, api ReadNotifier, db *store.DB, machine *status.Machine, b *bus.Bus, logger *zap.Logger, localUserID string) *Engine {
	return &Engine{
		chats:       chats,
		presence:    cache,
		notifier:    notifier,
		outbox:      sender,
		api:         api,
		db:          db,
		machine:     machine,
		bus:         b,
		logger:      logger.Named("sync"),
		localUserID: localUserID,
		checkpoints: NewCheckpoints(db),
	}
}

// HandleFrame decodes one push-channel payload and applies its events in
// order. Registered as the transport's frame handler, so it runs on the
// read goroutine and no two frames ever interleave.
func (e *Engine) HandleFrame(payload []byte) {
	for ev := range wire.Decode(payload, e.logger) {
		switch ev := ev.(type) {
		case wire.PresenceEvent:
			e.presence.Apply(ev.UserID, ev.Status)
		case wire.MessageEvent:
			e.applyMessage(ev)
		case wire.ReadEvent:
			e.applyRead(ev.ChatID)
		case wire.CallOfferEvent:
			e.notifier.HandleOffer(ev, e.localUserID)
		case wire.UnknownEvent:
			e.logger.Debug("ignoring unknown event type", zap.String("type", ev.Type))
		}
	}
}

func (e *Engine) applyMessage(ev wire.MessageEvent) {
	summary := e.chats.ApplyMessage(ev.ChatID, ev.Body, e.ActiveChat(), time.Now().UnixMilli())
	e.mirrorChat(summary)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindChatUpdated,
		Timestamp: time.Now(),
		Payload:   summary,
	})
}

func (e *Engine) applyRead(chatID string) {
	summary, changed := e.chats.ApplyRead(chatID)
	if !changed {
		return
	}
	e.mirrorChat(summary)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindChatRead,
		Timestamp: time.Now(),
		Payload:   summary,
	})
}

// ApplySnapshot merges a REST snapshot into local state and persists the
// result. Called by the resync controller.
func (e *Engine) ApplySnapshot(chats []state.ChatSummary, users []rest.UserRecord) {
	result := e.chats.Merge(chats)

	statuses := make(map[string]presence.Status, len(users))
	rows := make([]store.User, 0, len(users))
	for _, u := range users {
		statuses[u.ID] = presence.Status(u.Status)
		rows = append(rows, store.User{ID: u.ID, Username: u.Username, Status: u.Status})
	}
	e.presence.Seed(statuses)

	if err := e.db.ReplaceChats(chatRows(e.chats.All())); err != nil {
		e.logger.Error("persist chat snapshot failed", zap.Error(err))
	}
	if err := e.db.BulkUpsertUsers(rows); err != nil {
		e.logger.Error("persist user snapshot failed", zap.Error(err))
	}

	if err := e.checkpoints.RecordResync(time.Now()); err != nil {
		e.logger.Error("record resync checkpoint failed", zap.Error(err))
	}

	if !result.Unchanged() {
		e.logger.Info("snapshot merged",
			zap.Int("added", result.Added),
			zap.Int("updated", result.Updated),
			zap.Int("removed", result.Removed))
	}
}

// Submit queues a message for delivery and returns its local id. The
// outbox dispatches immediately when the channel is open; otherwise the
// message waits for the next transition to open. Going through the outbox
// either way keeps sends to one chat in order.
func (e *Engine) Submit(ctx context.Context, chatID, body string) (string, error) {
	return e.outbox.Enqueue(ctx, chatID, body)
}

// CancelSend removes a still-queued outgoing message.
func (e *Engine) CancelSend(localID string) error {
	return e.outbox.Cancel(localID)
}

// MarkRead zeroes a chat's unread count locally and, when the channel is
// open, notifies the server. The local apply never waits on the network.
func (e *Engine) MarkRead(ctx context.Context, chatID string) error {
	e.applyRead(chatID)
	if !e.machine.IsOpen() {
		return nil
	}
	if err := e.api.MarkRead(ctx, chatID); err != nil {
		// The next snapshot reconciles; unread was already zeroed here.
		e.logger.Warn("server read notify failed", zap.Error(err), zap.String("chat_id", chatID))
	}
	return nil
}

// SetActiveChat records which chat the front-end is viewing. Messages for
// the active chat do not increment its unread count.
func (e *Engine) SetActiveChat(chatID string) {
	e.mu.Lock()
	e.activeChatID = chatID
	e.mu.Unlock()
}

// ActiveChat returns the currently viewed chat id, or "".
func (e *Engine) ActiveChat() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeChatID
}

// Chats exposes the chat-list state for read-only consumers.
func (e *Engine) Chats() *state.ChatList { return e.chats }

// Presence exposes the presence cache for read-only consumers.
func (e *Engine) Presence() *presence.Cache { return e.presence }

// Status reports the push-channel connection state.
func (e *Engine) Status() status.State { return e.machine.Current() }

// LastResync reports when a snapshot was last applied, if ever.
func (e *Engine) LastResync() (time.Time, bool) {
	at, ok, err := e.checkpoints.LastResync()
	if err != nil {
		e.logger.Error("read resync checkpoint failed", zap.Error(err))
		return time.Time{}, false
	}
	return at, ok
}

func (e *Engine) mirrorChat(s state.ChatSummary) {
	if s.Placeholder {
		// Placeholders carry no membership or kind; the next snapshot
		// merge persists the real row.
		return
	}
	if err := e.db.UpsertChat(chatRow(s)); err != nil {
		e.logger.Error("persist chat failed", zap.Error(err), zap.String("chat_id", s.ID))
	}
}

func chatRow(s state.ChatSummary) *store.Chat {
	return &store.Chat{
		ID:            s.ID,
		Kind:          string(s.Kind),
		MemberIDs:     s.MemberIDs,
		LastMessage:   s.LastMessage,
		LastMessageAt: s.LastMessageAt,
		UnreadCount:   s.UnreadCount,
		Archived:      s.Archived,
	}
}

func chatRows(summaries []state.ChatSummary) []store.Chat {
	rows := make([]store.Chat, 0, len(summaries))
	for _, s := range summaries {
		if s.Placeholder {
			continue
		}
		rows = append(rows, *chatRow(s))
	}
	return rows
}
