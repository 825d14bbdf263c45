package presence

import (
	"testing"
	"time"

	"github.com/safegram/syncd/internal/bus"
)

func TestGetUnknownUser(t *testing.T) {
	c := NewCache(nil)
	if got := c.Get("nobody"); got != Unknown {
		t.Errorf("Get(nobody) = %q, want unknown", got)
	}
}

// Last write wins by arrival order, regardless of any timestamp skew.
func TestLastWriteWins(t *testing.T) {
	c := NewCache(nil)
	c.Apply("u1", "online")
	c.Apply("u1", "offline")

	if got := c.Get("u1"); got != Offline {
		t.Errorf("Get(u1) = %q, want offline (last write wins)", got)
	}

	c.Apply("u1", "online")
	if got := c.Get("u1"); got != Online {
		t.Errorf("Get(u1) = %q, want online after re-apply", got)
	}
}

func TestApplyNormalizesStatus(t *testing.T) {
	c := NewCache(nil)
	c.Apply("u1", "away")
	if got := c.Get("u1"); got != Offline {
		t.Errorf("Get(u1) = %q, want offline (non-online statuses normalize)", got)
	}
}

func TestSeedDoesNotOverwriteLive(t *testing.T) {
	c := NewCache(nil)
	c.Apply("u1", "online")

	c.Seed(map[string]Status{
		"u1": Offline, // stale snapshot value, must not clobber live
		"u2": Online,
	})

	if got := c.Get("u1"); got != Online {
		t.Errorf("Get(u1) = %q, want online (seed must not overwrite live)", got)
	}
	if got := c.Get("u2"); got != Online {
		t.Errorf("Get(u2) = %q, want online (seeded)", got)
	}
}

func TestApplyPublishesEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	c := NewCache(b)
	c.Apply("u1", "online")

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindPresenceChanged {
			t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindPresenceChanged)
		}
		rec, ok := evt.Payload.(Record)
		if !ok {
			t.Fatalf("payload type = %T, want Record", evt.Payload)
		}
		if rec.UserID != "u1" || rec.Status != Online {
			t.Errorf("payload = %+v, want u1/online", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence.changed event")
	}
}

func TestAllReturnsCopy(t *testing.T) {
	c := NewCache(nil)
	c.Apply("u1", "online")

	all := c.All()
	all["u1"] = Record{UserID: "u1", Status: Offline}

	if got := c.Get("u1"); got != Online {
		t.Error("mutating All() result must not affect the cache")
	}
}
