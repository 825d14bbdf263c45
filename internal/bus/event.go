package bus

import "time"

// Kind names an event type. Kinds are dot-delimited with the component
// namespace first, so subscribers can filter on "conn." or "outbox."
// as well as on a single kind.
type Kind string

// Event is one occurrence published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// Event kinds published by syncd components.
const (
	KindConnStatusChanged Kind = "conn.status_changed"
	KindChatUpdated       Kind = "chat.updated"
	KindChatRead          Kind = "chat.read"
	KindPresenceChanged   Kind = "presence.changed"
	KindCallIncoming      Kind = "call.incoming"
	KindOutboxQueued      Kind = "outbox.queued"
	KindOutboxDelivered   Kind = "outbox.delivered"
	KindOutboxSendFailed  Kind = "outbox.send_failed"
	KindResyncApplied     Kind = "resync.applied"
	KindResyncDegraded    Kind = "resync.degraded"
)
