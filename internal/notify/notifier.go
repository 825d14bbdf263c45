package notify

import (
	"time"

	"github.com/safegram/syncd/internal/bus"
	"github.com/safegram/syncd/internal/state"
	"github.com/safegram/syncd/internal/wire"
	"go.uber.org/zap"
)

// IncomingCall is the payload published on bus.KindCallIncoming.
type IncomingCall struct {
	From   string `json:"from"`
	ChatID string `json:"chatId,omitempty"`
	Video  bool   `json:"video"`
}

// Notifier turns call offers from the push channel into user-facing
// incoming-call events. It keeps no state of its own: every offer is
// surfaced, including repeats, and answering is the front-end's concern.
type Notifier struct {
	chats  *state.ChatList
	bus    *bus.Bus
	logger *zap.Logger
}

func NewNotifier(chats *state.ChatList, b *bus.Bus, logger *zap.Logger) *Notifier {
	return &Notifier{
		chats:  chats,
		bus:    b,
		logger: logger.Named("notify"),
	}
}

// HandleOffer publishes an incoming-call event for the given offer unless
// it originated from the local user. The direct chat with the initiator is
// resolved from current chat state when one exists; the event is published
// either way.
func (n *Notifier) HandleOffer(offer wire.CallOfferEvent, localUserID string) {
	if offer.From == "" || offer.From == localUserID {
		return
	}

	chatID := offer.ChatID
	if chatID == "" {
		if chat, ok := n.chats.DirectChatWith(offer.From); ok {
			chatID = chat.ID
		}
	}

	n.logger.Info("incoming call",
		zap.String("from", offer.From),
		zap.String("chat_id", chatID),
		zap.Bool("video", offer.Video))
	n.bus.Publish(bus.Event{
		Kind:      bus.KindCallIncoming,
		Timestamp: time.Now(),
		Payload: IncomingCall{
			From:   offer.From,
			ChatID: chatID,
			Video:  offer.Video,
		},
	})
}
