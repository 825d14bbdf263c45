package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ErrNotCancelable is returned when a cancellation targets an entry that is
// no longer queued (in flight, delivered, or already failed).
var ErrNotCancelable = fmt.Errorf("outbox entry is not queued")

// QueueOutbox adds a message to the send outbox. The local ID is stable
// across retries: re-enqueueing the same local ID is a no-op.
func (db *DB) QueueOutbox(localID, chatID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, chat_id, body, status, attempt, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(local_id) DO NOTHING`,
		localID, chatID, body, OutboxQueued, now, now)
	return err
}

// MarkOutboxSending moves a queued entry to 'sending'.
func (db *DB) MarkOutboxSending(localID string) error {
	return db.setOutboxStatus(localID, OutboxSending, "")
}

// MarkOutboxDelivered moves an entry to 'delivered'.
func (db *DB) MarkOutboxDelivered(localID string) error {
	return db.setOutboxStatus(localID, OutboxDelivered, "")
}

// MarkOutboxFailed moves an entry to terminal 'failed' with an error message.
func (db *DB) MarkOutboxFailed(localID, errMsg string) error {
	return db.setOutboxStatus(localID, OutboxFailed, errMsg)
}

func (db *DB) setOutboxStatus(localID, status, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE local_id = ?`,
		status, errMsg, now, localID)
	return err
}

// RequeueOutbox returns a sending entry to 'queued' with an incremented
// attempt counter, preserving its position (ordering is by enqueued_at).
func (db *DB) RequeueOutbox(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, attempt = attempt + 1, updated_at = ?
		WHERE local_id = ?`, OutboxQueued, now, localID)
	return err
}

// RecoverInFlight returns every 'sending' entry to 'queued', and reports how
// many rows it touched. A crash between marking an entry in flight and
// recording the result leaves it stranded in 'sending'; calling this on
// startup puts those entries back in line for the next drain.
func (db *DB) RecoverInFlight() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE status = ?`,
		OutboxQueued, now, OutboxSending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelOutbox removes a still-queued entry. In-flight entries cannot be
// cancelled.
func (db *DB) CancelOutbox(localID string) error {
	res, err := db.Exec(`DELETE FROM outbox WHERE local_id = ? AND status = ?`, localID, OutboxQueued)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotCancelable
	}
	return nil
}

// PendingChats returns the distinct chat IDs that have queued entries.
func (db *DB) PendingChats() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT chat_id FROM outbox WHERE status = ? ORDER BY chat_id`, OutboxQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// NextQueuedForChat returns the oldest queued entry for a chat, or nil when
// the chat's queue is empty. FIFO per chat by enqueue time.
func (db *DB) NextQueuedForChat(chatID string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, local_id, chat_id, body, status, attempt, error_message, enqueued_at
		FROM outbox WHERE chat_id = ? AND status = ?
		ORDER BY enqueued_at ASC, id ASC LIMIT 1`, chatID, OutboxQueued)
	e, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetOutboxEntry returns an entry by local ID, or nil when absent.
func (db *DB) GetOutboxEntry(localID string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, local_id, chat_id, body, status, attempt, error_message, enqueued_at
		FROM outbox WHERE local_id = ?`, localID)
	e, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListOutbox returns all non-delivered entries, oldest first. Failed
// entries are included so they can be surfaced as retryable.
func (db *DB) ListOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, local_id, chat_id, body, status, attempt, error_message, enqueued_at
		FROM outbox WHERE status != ?
		ORDER BY enqueued_at ASC, id ASC`, OutboxDelivered)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanOutbox(row rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := row.Scan(&e.ID, &e.LocalID, &e.ChatID, &e.Body, &e.Status, &e.Attempt, &e.ErrorMessage, &e.EnqueuedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
