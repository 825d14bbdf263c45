package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnStatusChanged, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindConnStatusChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConnStatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnStatusChanged})
	b.Publish(Event{Kind: KindOutboxDelivered})

	select {
	case evt := <-ch:
		if evt.Kind != KindOutboxDelivered {
			t.Errorf("got kind %q, want %q", evt.Kind, KindOutboxDelivered)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the conn event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestSubscribeSingleKind(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(KindOutboxSendFailed, 10)
	defer unsub()

	b.Publish(Event{Kind: KindOutboxDelivered})
	b.Publish(Event{Kind: KindOutboxSendFailed})

	select {
	case evt := <-ch:
		if evt.Kind != KindOutboxSendFailed {
			t.Errorf("got kind %q, want %q", evt.Kind, KindOutboxSendFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()

	b.Publish(Event{Kind: KindConnStatusChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: KindChatUpdated})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: KindChatRead})

	evt := <-ch
	if evt.Kind != KindChatUpdated {
		t.Errorf("got %q, want %q", evt.Kind, KindChatUpdated)
	}
}
