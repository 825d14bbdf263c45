package bus

import (
	"strings"
	"sync"
)

// Bus is the in-process event bus connecting syncd's components. Delivery
// is best-effort: a subscriber that falls behind loses events rather than
// stalling the publisher, so anything that must not be missed (frame
// application, store writes) happens before the publish, not in a
// subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	prefix Kind
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Subscribers with full buffers are skipped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(string(evt.Kind), string(sub.prefix)) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers interest in every kind starting with prefix, either
// a full kind such as KindCallIncoming or a namespace such as "outbox.".
// The returned function removes the subscription; the channel is never
// closed.
func (b *Bus) Subscribe(prefix Kind, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
