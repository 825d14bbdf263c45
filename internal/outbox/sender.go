package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/safegram/syncd/internal/bus"
	"github.com/safegram/syncd/internal/status"
	"github.com/safegram/syncd/internal/store"
	"go.uber.org/zap"
)

// MessageSender is the interface for delivering a queued message to the
// server. Delivery is acknowledged when the call returns nil.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, body, localID string) error
}

// Sender owns the offline outbox: it queues sends issued while the push
// channel is closed and drains them on reconnect. Draining is FIFO per
// chat with one item in flight per chat; distinct chats drain
// concurrently.
type Sender struct {
	db          *store.DB
	sender      MessageSender
	machine     *status.Machine
	bus         *bus.Bus
	logger      *zap.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int

	mu       sync.Mutex
	draining map[string]bool
	cancel   context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, sender MessageSender, machine *status.Machine, b *bus.Bus, logger *zap.Logger, backoffBase, backoffCap time.Duration, maxAttempts int) *Sender {
	return &Sender{
		db:          db,
		sender:      sender,
		machine:     machine,
		bus:         b,
		logger:      logger,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		maxAttempts: maxAttempts,
		draining:    make(map[string]bool),
	}
}

// Start subscribes to connection transitions and begins draining whenever
// the channel opens. Entries left over from a previous run drain on the
// first open, including any stranded in flight when that run died.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if n, err := s.db.RecoverInFlight(); err != nil {
		s.logger.Error("failed to recover in-flight outbox entries", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued in-flight outbox entries", zap.Int64("count", n))
	}

	ch, unsub := s.bus.Subscribe("conn.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(status.StatusChange)
				if !ok {
					continue
				}
				if change.To == status.Open {
					s.DrainAll(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if s.machine.IsOpen() {
		s.DrainAll(ctx)
	}
}

// Stop stops the sender. In-flight sends finish; their results are still
// recorded.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Enqueue adds a message to the outbox and returns its local ID. The ID
// stays stable across every retry of the item. When the channel is
// already open the chat's queue drains immediately.
func (s *Sender) Enqueue(ctx context.Context, chatID, body string) (string, error) {
	localID := uuid.New().String()
	if err := s.db.QueueOutbox(localID, chatID, body); err != nil {
		return "", err
	}
	s.logger.Info("message queued",
		zap.String("local_id", localID),
		zap.String("chat_id", chatID))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxQueued,
		Timestamp: time.Now(),
		Payload:   map[string]string{"local_id": localID, "chat_id": chatID},
	})

	if s.machine.IsOpen() {
		s.drainChatAsync(ctx, chatID)
	}
	return localID, nil
}

// Cancel removes a still-queued item. Returns store.ErrNotCancelable for
// items already in flight or terminal.
func (s *Sender) Cancel(localID string) error {
	return s.db.CancelOutbox(localID)
}

// DrainAll starts a drain for every chat with queued entries.
func (s *Sender) DrainAll(ctx context.Context) {
	chats, err := s.db.PendingChats()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, chatID := range chats {
		s.drainChatAsync(ctx, chatID)
	}
}

// drainChatAsync launches a drain goroutine for a chat unless one is
// already running. One goroutine per chat keeps per-chat FIFO while
// letting distinct chats proceed concurrently.
func (s *Sender) drainChatAsync(ctx context.Context, chatID string) {
	s.mu.Lock()
	if s.draining[chatID] {
		s.mu.Unlock()
		return
	}
	s.draining[chatID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.draining, chatID)
			s.mu.Unlock()
		}()
		s.drainChat(ctx, chatID)
	}()
}

func (s *Sender) drainChat(ctx context.Context, chatID string) {
	for {
		if ctx.Err() != nil || !s.machine.IsOpen() {
			return
		}

		entry, err := s.db.NextQueuedForChat(chatID)
		if err != nil {
			s.logger.Error("failed to read outbox", zap.Error(err), zap.String("chat_id", chatID))
			return
		}
		if entry == nil {
			return
		}

		if err := s.db.MarkOutboxSending(entry.LocalID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("local_id", entry.LocalID))
			return
		}

		// Acknowledgment required before the next item of this chat.
		err = s.sender.SendMessage(ctx, entry.ChatID, entry.Body, entry.LocalID)
		if err == nil {
			if err := s.db.MarkOutboxDelivered(entry.LocalID); err != nil {
				s.logger.Error("failed to mark delivered", zap.Error(err), zap.String("local_id", entry.LocalID))
			}
			s.logger.Info("queued message delivered",
				zap.String("local_id", entry.LocalID),
				zap.String("chat_id", entry.ChatID),
				zap.Int("attempt", entry.Attempt))
			s.bus.Publish(bus.Event{
				Kind:      bus.KindOutboxDelivered,
				Timestamp: time.Now(),
				Payload:   map[string]string{"local_id": entry.LocalID, "chat_id": entry.ChatID},
			})
			continue
		}

		if entry.Attempt+1 >= s.maxAttempts {
			s.logger.Warn("message failed permanently",
				zap.Error(err),
				zap.String("local_id", entry.LocalID),
				zap.Int("attempts", entry.Attempt+1))
			if dbErr := s.db.MarkOutboxFailed(entry.LocalID, err.Error()); dbErr != nil {
				s.logger.Error("failed to mark failed", zap.Error(dbErr), zap.String("local_id", entry.LocalID))
			}
			s.bus.Publish(bus.Event{
				Kind:      bus.KindOutboxSendFailed,
				Timestamp: time.Now(),
				Payload: map[string]string{
					"local_id": entry.LocalID,
					"chat_id":  entry.ChatID,
					"error":    err.Error(),
				},
			})
			continue
		}

		s.logger.Warn("send failed, will retry",
			zap.Error(err),
			zap.String("local_id", entry.LocalID),
			zap.Int("attempt", entry.Attempt))
		if dbErr := s.db.RequeueOutbox(entry.LocalID); dbErr != nil {
			s.logger.Error("failed to requeue", zap.Error(dbErr), zap.String("local_id", entry.LocalID))
			return
		}

		select {
		case <-time.After(s.backoff(entry.Attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// backoff returns the delay before retry n+1: base doubled per attempt,
// capped.
func (s *Sender) backoff(attempt int) time.Duration {
	d := s.backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.backoffCap {
			return s.backoffCap
		}
	}
	return min(d, s.backoffCap)
}
