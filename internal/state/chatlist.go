package state

import (
	"slices"
	"sync"
)

// ChatKind distinguishes chat flavors.
type ChatKind string

const (
	Direct    ChatKind = "direct"
	Group     ChatKind = "group"
	Broadcast ChatKind = "broadcast"
)

// ChatSummary is the externally observable record for one chat.
type ChatSummary struct {
	ID            string
	Kind          ChatKind
	MemberIDs     []string
	LastMessage   string
	LastMessageAt int64
	UnreadCount   int
	Archived      bool

	// Placeholder marks a chat first seen via a live event, before any
	// snapshot has described it.
	Placeholder bool
}

// MergeResult summarizes what a snapshot merge changed.
type MergeResult struct {
	Added   int
	Updated int
	Removed int
}

// Unchanged reports whether the merge was a no-op.
func (r MergeResult) Unchanged() bool {
	return r.Added == 0 && r.Updated == 0 && r.Removed == 0
}

// ChatList is the single owned container for chat-list state. All
// mutation goes through ApplyMessage, ApplyRead, and Merge; the observable
// list is always the last merged snapshot overlaid with every live event
// applied since, in arrival order.
type ChatList struct {
	mu    sync.RWMutex
	chats map[string]*ChatSummary
}

// NewChatList creates an empty chat list.
func NewChatList() *ChatList {
	return &ChatList{chats: make(map[string]*ChatSummary)}
}

// ApplyMessage records a live message event. The unread counter increments
// only when the chat is not the caller-supplied active chat; the active
// chat's messages are considered seen as they arrive. Messages for chats
// the list has never seen create a placeholder entry pending the next
// snapshot merge.
func (l *ChatList) ApplyMessage(chatID, preview, activeChatID string, at int64) ChatSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chats[chatID]
	if !ok {
		c = &ChatSummary{ID: chatID, Kind: Direct, Placeholder: true}
		l.chats[chatID] = c
	}
	if preview != "" {
		c.LastMessage = preview
	}
	if at > c.LastMessageAt {
		c.LastMessageAt = at
	}
	if chatID != activeChatID {
		c.UnreadCount++
	}
	return *cloneChat(c)
}

// ApplyRead resets a chat's unread counter to zero. Idempotent; reapplying
// a stale read event is harmless. Unknown chats are ignored silently.
func (l *ChatList) ApplyRead(chatID string) (ChatSummary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chats[chatID]
	if !ok {
		return ChatSummary{}, false
	}
	c.UnreadCount = 0
	return *cloneChat(c), true
}

// Merge reconciles an authoritative snapshot with live state. The snapshot
// wins for membership, kind, archival, and message metadata; the live
// unread counter survives unless the snapshot reports a smaller value,
// which means the server has confirmed a read this client missed.
// Placeholder entries are replaced wholesale. Chats absent from the
// snapshot are dropped, except placeholders, which a live event may have
// created after the snapshot was taken. Merging an identical snapshot twice is a no-op.
func (l *ChatList) Merge(snapshot []ChatSummary) MergeResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res MergeResult
	seen := make(map[string]bool, len(snapshot))

	for _, sc := range snapshot {
		seen[sc.ID] = true
		incoming := *cloneChat(&sc)
		incoming.MemberIDs = normalizeMembers(incoming.MemberIDs)
		incoming.Placeholder = false

		cur, ok := l.chats[sc.ID]
		if !ok {
			l.chats[sc.ID] = &incoming
			res.Added++
			continue
		}

		merged := incoming
		if !cur.Placeholder {
			// Server value wins only when smaller (a confirmed read);
			// otherwise the live counter is fresher than the snapshot.
			merged.UnreadCount = min(cur.UnreadCount, incoming.UnreadCount)
			// A live event newer than the snapshot keeps its preview.
			if cur.LastMessageAt > merged.LastMessageAt {
				merged.LastMessageAt = cur.LastMessageAt
				if cur.LastMessage != "" {
					merged.LastMessage = cur.LastMessage
				}
			}
		}

		if !chatsEqual(cur, &merged) {
			res.Updated++
		}
		l.chats[sc.ID] = &merged
	}

	for id, cur := range l.chats {
		if seen[id] {
			continue
		}
		// A placeholder created by a live event racing the snapshot
		// fetch is newer than the snapshot; keep it for the next cycle.
		if cur.Placeholder {
			continue
		}
		delete(l.chats, id)
		res.Removed++
	}
	return res
}

// Get returns a copy of one chat.
func (l *ChatList) Get(chatID string) (ChatSummary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chats[chatID]
	if !ok {
		return ChatSummary{}, false
	}
	return *cloneChat(c), true
}

// All returns a copy of every chat, most recently active first.
func (l *ChatList) All() []ChatSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ChatSummary, 0, len(l.chats))
	for _, c := range l.chats {
		out = append(out, *cloneChat(c))
	}
	slices.SortFunc(out, func(a, b ChatSummary) int {
		if a.LastMessageAt != b.LastMessageAt {
			if a.LastMessageAt > b.LastMessageAt {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// DirectChatWith finds the direct chat containing the given user, if one
// exists in current state.
func (l *ChatList) DirectChatWith(userID string) (ChatSummary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.chats {
		if c.Kind != Direct {
			continue
		}
		if slices.Contains(c.MemberIDs, userID) {
			return *cloneChat(c), true
		}
	}
	return ChatSummary{}, false
}

func cloneChat(c *ChatSummary) *ChatSummary {
	cp := *c
	cp.MemberIDs = slices.Clone(c.MemberIDs)
	return &cp
}

// normalizeMembers sorts and deduplicates so member order on the wire
// never affects equality.
func normalizeMembers(members []string) []string {
	out := slices.Clone(members)
	slices.Sort(out)
	return slices.Compact(out)
}

func chatsEqual(a, b *ChatSummary) bool {
	return a.ID == b.ID &&
		a.Kind == b.Kind &&
		a.LastMessage == b.LastMessage &&
		a.LastMessageAt == b.LastMessageAt &&
		a.UnreadCount == b.UnreadCount &&
		a.Archived == b.Archived &&
		a.Placeholder == b.Placeholder &&
		slices.Equal(a.MemberIDs, b.MemberIDs)
}
