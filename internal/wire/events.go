package wire

// Event is a decoded push-channel record. The set of implementations is
// closed: consumers dispatch with a type switch and treat UnknownEvent as
// the forward-compatible catch-all.
type Event interface {
	eventType() string
}

// PresenceEvent reports a user going online or offline.
type PresenceEvent struct {
	UserID string
	Status string
}

// MessageEvent is a new message in a chat.
type MessageEvent struct {
	ChatID    string
	MessageID string
	SenderID  string
	Body      string
}

// ReadEvent marks all messages in a chat as read. Covers both the
// "message:read" and "chat:read" record types, which the server uses
// interchangeably.
type ReadEvent struct {
	ChatID string
}

// CallOfferEvent is an inbound call offer.
type CallOfferEvent struct {
	From   string
	ChatID string
	Video  bool
}

// UnknownEvent preserves the type discriminator of a record this client
// does not recognize.
type UnknownEvent struct {
	Type string
}

func (PresenceEvent) eventType() string  { return TypePresence }
func (MessageEvent) eventType() string   { return TypeMessage }
func (ReadEvent) eventType() string      { return TypeChatRead }
func (CallOfferEvent) eventType() string { return TypeCallOffer }
func (e UnknownEvent) eventType() string { return e.Type }

// Record type discriminators used on the wire.
const (
	TypePresence    = "presence"
	TypeMessage     = "message"
	TypeMessageRead = "message:read"
	TypeChatRead    = "chat:read"
	TypeCallOffer   = "webrtc:offer"
)
