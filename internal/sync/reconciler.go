package sync

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/safegram/syncd/internal/store"
)

// Checkpoint keys in sync_state.
const (
	checkpointLastResync = "last_resync_at"
)

// Checkpoints persists durable markers about synchronization progress,
// keyed strings in the sync_state table. Survives restarts so the status
// surface can report how stale the local view is.
type Checkpoints struct {
	db *store.DB
}

func NewCheckpoints(db *store.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

func (c *Checkpoints) set(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := c.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

func (c *Checkpoints) get(key string) (string, bool, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// RecordResync stores the moment a snapshot was applied.
func (c *Checkpoints) RecordResync(at time.Time) error {
	return c.set(checkpointLastResync, strconv.FormatInt(at.UnixMilli(), 10))
}

// LastResync returns the time of the last applied snapshot. ok is false
// when no snapshot has ever been applied.
func (c *Checkpoints) LastResync() (at time.Time, ok bool, err error) {
	value, ok, err := c.get(checkpointLastResync)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(millis), true, nil
}
