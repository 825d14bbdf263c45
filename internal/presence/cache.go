package presence

import (
	"sync"
	"time"

	"github.com/safegram/syncd/internal/bus"
)

// Status is a user's last known presence.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
	Unknown Status = "unknown"
)

// Record is the cached presence for a single user. Seq is the arrival
// order of the event that produced it, not a wall clock.
type Record struct {
	UserID string
	Status Status
	Seq    uint64
}

// Cache is the authoritative in-memory map of user presence. Writes are
// last-event-wins by arrival order; the push channel is ordered per
// connection, so no timestamp comparison is needed.
type Cache struct {
	mu      sync.RWMutex
	records map[string]Record
	seq     uint64
	bus     *bus.Bus
}

// NewCache creates an empty presence cache.
func NewCache(b *bus.Bus) *Cache {
	return &Cache{
		records: make(map[string]Record),
		bus:     b,
	}
}

// Apply overwrites the cached record for a user unconditionally. Any
// status other than "online" is stored as offline.
func (c *Cache) Apply(userID, status string) {
	normalized := Offline
	if status == string(Online) {
		normalized = Online
	}

	c.mu.Lock()
	c.seq++
	c.records[userID] = Record{UserID: userID, Status: normalized, Seq: c.seq}
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      bus.KindPresenceChanged,
			Timestamp: time.Now(),
			Payload:   Record{UserID: userID, Status: normalized},
		})
	}
}

// Get returns the last known status for a user, or Unknown for users the
// cache has never seen.
func (c *Cache) Get(userID string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[userID]
	if !ok {
		return Unknown
	}
	return rec.Status
}

// Seed fills in users the cache has not seen yet, without touching users
// already tracked live. Snapshot data is staler than arrival-ordered
// events, so it never overwrites them.
func (c *Cache) Seed(statuses map[string]Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for userID, status := range statuses {
		if _, ok := c.records[userID]; ok {
			continue
		}
		c.seq++
		c.records[userID] = Record{UserID: userID, Status: status, Seq: c.seq}
	}
}

// All returns a copy of every cached record.
func (c *Cache) All() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Record, len(c.records))
	for k, v := range c.records {
		out[k] = v
	}
	return out
}
