package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertChat inserts or updates a chat record.
func (db *DB) UpsertChat(c *Chat) error {
	members, err := json.Marshal(c.MemberIDs)
	if err != nil {
		return fmt.Errorf("marshal member ids: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO chats (id, kind, member_ids, last_message, last_message_at, unread_count, archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			member_ids = excluded.member_ids,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, string(members), c.LastMessage, c.LastMessageAt, c.UnreadCount, c.Archived, now)
	return err
}

// ReplaceChats replaces the full chat mirror in one transaction. Used after
// a snapshot merge, where the merged chat list is authoritative.
func (db *DB) ReplaceChats(chats []Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, c := range chats {
		members, err := json.Marshal(c.MemberIDs)
		if err != nil {
			return fmt.Errorf("marshal member ids: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO chats (id, kind, member_ids, last_message, last_message_at, unread_count, archived, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Kind, string(members), c.LastMessage, c.LastMessageAt, c.UnreadCount, c.Archived, now); err != nil {
			return fmt.Errorf("insert chat %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, member_ids, last_message, last_message_at, unread_count, archived
		FROM chats
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by ID, or nil when absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	row := db.QueryRow(`
		SELECT id, kind, member_ids, last_message, last_message_at, unread_count, archived
		FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var c Chat
	var members string
	if err := row.Scan(&c.ID, &c.Kind, &members, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount, &c.Archived); err != nil {
		return nil, err
	}
	if members != "" {
		if err := json.Unmarshal([]byte(members), &c.MemberIDs); err != nil {
			return nil, fmt.Errorf("unmarshal member ids for chat %q: %w", c.ID, err)
		}
	}
	return &c, nil
}
