package resync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/safegram/syncd/internal/bus"
	"github.com/safegram/syncd/internal/rest"
	"github.com/safegram/syncd/internal/state"
	"github.com/safegram/syncd/internal/status"
	"go.uber.org/zap"
)

type mockFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{} // when non-nil, FetchChats waits on it
	chats []state.ChatSummary
	users []rest.UserRecord
}

func (m *mockFetcher) FetchChats(ctx context.Context) ([]state.ChatSummary, error) {
	m.mu.Lock()
	m.calls++
	block := m.block
	err := m.err
	chats := m.chats
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (m *mockFetcher) FetchUsers(context.Context) ([]rest.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users, m.err
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockApplier struct {
	mu      sync.Mutex
	applies int
	chats   []state.ChatSummary
}

func (m *mockApplier) ApplySnapshot(chats []state.ChatSummary, _ []rest.UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies++
	m.chats = chats
}

func (m *mockApplier) applyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applies
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestController(fetcher Fetcher, applier Applier, machine *status.Machine, b *bus.Bus, threshold int) *Controller {
	return NewController(fetcher, applier, machine, b, zap.NewNop(), time.Hour, time.Hour, threshold)
}

func TestStartRunsInitialResync(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	fetcher := &mockFetcher{chats: []state.ChatSummary{{ID: "c1"}}}
	applier := &mockApplier{}

	c := newTestController(fetcher, applier, machine, b, 5)
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, func() bool { return applier.applyCount() == 1 }, "timeout waiting for initial resync")
	applier.mu.Lock()
	defer applier.mu.Unlock()
	if len(applier.chats) != 1 || applier.chats[0].ID != "c1" {
		t.Errorf("applied chats = %+v", applier.chats)
	}
}

func TestTriggerSkipsWhileInFlight(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	block := make(chan struct{})
	fetcher := &mockFetcher{block: block}
	applier := &mockApplier{}

	c := newTestController(fetcher, applier, machine, b, 5)
	ctx := context.Background()

	c.Trigger(ctx)
	waitFor(t, func() bool { return fetcher.callCount() == 1 }, "first fetch never started")

	// These ticks arrive while the first fetch is still running.
	c.Trigger(ctx)
	c.Trigger(ctx)
	time.Sleep(20 * time.Millisecond)
	if n := fetcher.callCount(); n != 1 {
		t.Fatalf("fetch count = %d, want 1 (overlapping triggers skipped)", n)
	}

	close(block)
	waitFor(t, func() bool { return applier.applyCount() == 1 }, "fetch result never applied")
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	block := make(chan struct{})
	fetcher := &mockFetcher{block: block}
	applier := &mockApplier{}

	c := newTestController(fetcher, applier, machine, b, 5)
	c.Start(context.Background())
	waitFor(t, func() bool { return fetcher.callCount() == 1 }, "fetch never started")

	c.Stop()
	close(block)

	time.Sleep(50 * time.Millisecond)
	if n := applier.applyCount(); n != 0 {
		t.Errorf("apply count after stop = %d, want 0 (stale result discarded)", n)
	}
}

func TestOpenTransitionTriggersResync(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	fetcher := &mockFetcher{}
	applier := &mockApplier{}

	c := newTestController(fetcher, applier, machine, b, 5)
	c.Start(context.Background())
	defer c.Stop()
	waitFor(t, func() bool { return applier.applyCount() == 1 }, "initial resync missing")

	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	if err := machine.Transition(status.Open); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return applier.applyCount() >= 2 }, "no resync after transition to open")
}

func TestDegradedPublishedOnceAtThreshold(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	fetcher := &mockFetcher{err: fmt.Errorf("server unreachable")}
	applier := &mockApplier{}

	ch, unsub := b.Subscribe(bus.KindResyncDegraded, 8)
	defer unsub()

	c := newTestController(fetcher, applier, machine, b, 2)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c.Trigger(ctx)
		waitFor(t, func() bool { return fetcher.callCount() == i+1 }, "fetch did not run")
		// Let the failure bookkeeping settle before the next cycle.
		waitFor(t, func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return !c.inFlight
		}, "cycle did not finish")
	}

	select {
	case evt := <-ch:
		if evt.Payload.(int) != 2 {
			t.Errorf("degraded at %v failures, want 2", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no resync.degraded event at threshold")
	}
	select {
	case <-ch:
		t.Fatal("resync.degraded published more than once")
	case <-time.After(50 * time.Millisecond):
	}

	// A success clears the condition so a future outage can announce again.
	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.mu.Unlock()
	c.Trigger(ctx)
	waitFor(t, func() bool { return applier.applyCount() == 1 }, "recovery resync not applied")
}
