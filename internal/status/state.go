package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/safegram/syncd/internal/bus"
)

// State represents the push-channel connection state.
type State string

const (
	Connecting State = "CONNECTING"
	Open       State = "OPEN"
	Closed     State = "CLOSED"
)

// validTransitions defines allowed state transitions. The channel lifecycle
// is a loop: connecting -> open -> closed -> connecting. A connect attempt
// that fails goes straight back to closed.
var validTransitions = map[State][]State{
	Connecting: {Open, Closed},
	Open:       {Closed},
	Closed:     {Connecting},
}

// Machine tracks and enforces connection state transitions. Components
// observe transitions via conn.status_changed events on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Closed state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Closed,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsOpen reports whether the channel is currently open. Senders use this
// to decide between a live send and the offline outbox.
func (m *Machine) IsOpen() bool {
	return m.Current() == Open
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
