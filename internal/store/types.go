package store

// Chat is the persisted mirror of a reconciled chat summary.
type Chat struct {
	ID            string
	Kind          string
	MemberIDs     []string
	LastMessage   string
	LastMessageAt int64
	UnreadCount   int
	Archived      bool
}

// User is a known user and their last synced presence.
type User struct {
	ID       string
	Username string
	Status   string
}

// OutboxEntry is a queued outgoing message.
type OutboxEntry struct {
	ID           int64
	LocalID      string
	ChatID       string
	Body         string
	Status       string // queued, sending, delivered, failed
	Attempt      int
	ErrorMessage string
	EnqueuedAt   int64
}

// Outbox entry statuses.
const (
	OutboxQueued    = "queued"
	OutboxSending   = "sending"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)
