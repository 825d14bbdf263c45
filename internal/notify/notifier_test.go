package notify

import (
	"testing"
	"time"

	"github.com/safegram/syncd/internal/bus"
	"github.com/safegram/syncd/internal/state"
	"github.com/safegram/syncd/internal/wire"
	"go.uber.org/zap"
)

func testChats(t *testing.T) *state.ChatList {
	t.Helper()
	chats := state.NewChatList()
	chats.Merge([]state.ChatSummary{
		{ID: "dm-alice", Kind: state.Direct, MemberIDs: []string{"me", "alice"}},
		{ID: "group-1", Kind: state.Group, MemberIDs: []string{"me", "alice", "bob"}},
	})
	return chats
}

func recvCall(t *testing.T, ch <-chan bus.Event) IncomingCall {
	t.Helper()
	select {
	case evt := <-ch:
		call, ok := evt.Payload.(IncomingCall)
		if !ok {
			t.Fatalf("payload type = %T, want IncomingCall", evt.Payload)
		}
		return call
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for call.incoming event")
		return IncomingCall{}
	}
}

func TestHandleOfferResolvesDirectChat(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindCallIncoming, 4)
	defer unsub()

	n := NewNotifier(testChats(t), b, zap.NewNop())
	n.HandleOffer(wire.CallOfferEvent{From: "alice", Video: true}, "me")

	call := recvCall(t, ch)
	if call.From != "alice" || call.ChatID != "dm-alice" || !call.Video {
		t.Errorf("call = %+v, want from=alice chatId=dm-alice video=true", call)
	}
}

func TestHandleOfferIgnoresSelf(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindCallIncoming, 4)
	defer unsub()

	n := NewNotifier(testChats(t), b, zap.NewNop())
	n.HandleOffer(wire.CallOfferEvent{From: "me", Video: true}, "me")
	n.HandleOffer(wire.CallOfferEvent{}, "me")

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v for self-originated offer", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleOfferUnknownInitiator(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindCallIncoming, 4)
	defer unsub()

	n := NewNotifier(testChats(t), b, zap.NewNop())
	n.HandleOffer(wire.CallOfferEvent{From: "stranger", Video: false}, "me")

	// No direct chat with the initiator: still surfaced, with no chat id.
	call := recvCall(t, ch)
	if call.From != "stranger" || call.ChatID != "" || call.Video {
		t.Errorf("call = %+v, want from=stranger chatId=\"\" video=false", call)
	}
}

func TestHandleOfferExplicitChatID(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindCallIncoming, 4)
	defer unsub()

	n := NewNotifier(testChats(t), b, zap.NewNop())
	n.HandleOffer(wire.CallOfferEvent{From: "alice", ChatID: "group-1", Video: true}, "me")

	if call := recvCall(t, ch); call.ChatID != "group-1" {
		t.Errorf("chat id = %q, want group-1 (offer's chat wins over lookup)", call.ChatID)
	}
}

func TestDecodePayload(t *testing.T) {
	raw := []byte(`{
		"title": "alice",
		"body": "hey there",
		"icon": "/icons/192.png",
		"badge": "/icons/badge.png",
		"data": {"url": "/chats/dm-alice"},
		"actions": [{"action": "open", "title": "Open"}]
	}`)
	p, err := DecodePayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Title != "alice" || p.Data.URL != "/chats/dm-alice" {
		t.Errorf("payload = %+v", p)
	}
	if len(p.Actions) != 1 || p.Actions[0].Action != "open" {
		t.Errorf("actions = %+v", p.Actions)
	}
}

func TestDecodePayloadInvalid(t *testing.T) {
	for _, raw := range []string{`not json`, `{"body": "no title"}`} {
		if _, err := DecodePayload([]byte(raw)); err == nil {
			t.Errorf("DecodePayload(%q) = nil error, want failure", raw)
		}
	}
}
