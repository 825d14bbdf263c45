package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/safegram/syncd/internal/bus"
	"github.com/safegram/syncd/internal/status"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"http", "http://localhost:8080", "ws://localhost:8080/ws?token=tok", false},
		{"https", "https://chat.example.com", "wss://chat.example.com/ws?token=tok", false},
		{"trailing slash", "http://localhost:8080/", "ws://localhost:8080/ws?token=tok", false},
		{"bad scheme", "ftp://x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := channelURL(tt.in, "tok")
			if (err != nil) != tt.wantErr {
				t.Fatalf("channelURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("channelURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// wsServer upgrades connections and pushes the given frames, then keeps
// the connection open until the test ends.
func wsServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open; the client closes it on Stop.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectAndReceiveFrames(t *testing.T) {
	srv := wsServer(t, []string{`{"type":"presence"}`, `{"type":"message"}`})

	machine := status.NewMachine(bus.New())
	c, err := NewClient(srv.URL, "tok", machine, zap.NewNop(), 10*time.Millisecond, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 10)
	c.RegisterFrameHandler(func(payload []byte) {
		got <- string(payload)
	})

	c.Start(context.Background())
	defer c.Stop()

	for _, want := range []string{`{"type":"presence"}`, `{"type":"message"}`} {
		select {
		case frame := <-got:
			if frame != want {
				t.Errorf("frame = %q, want %q", frame, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for frame")
		}
	}

	if machine.Current() != status.Open {
		t.Errorf("state = %s, want OPEN", machine.Current())
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	conns := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- struct{}{}
		// Drop the first connection immediately; the client must reconnect.
		_ = conn.Close()
	}))
	defer srv.Close()

	machine := status.NewMachine(bus.New())
	c, err := NewClient(srv.URL, "tok", machine, zap.NewNop(), 10*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background())
	defer c.Stop()

	// At least two connections proves the client reconnected after a close.
	for i := 0; i < 2; i++ {
		select {
		case <-conns:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for connection %d", i+1)
		}
	}
}

func TestSendWhileClosed(t *testing.T) {
	machine := status.NewMachine(bus.New())
	c, err := NewClient("http://localhost:1", "tok", machine, zap.NewNop(), time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(map[string]string{"type": "message"}); err != ErrNotConnected {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
}

func TestSendToServer(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	machine := status.NewMachine(b)
	c, err := NewClient(srv.URL, "tok", machine, zap.NewNop(), 10*time.Millisecond, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background())
	defer c.Stop()

	// Wait for the OPEN transition before sending.
	deadline := time.After(2 * time.Second)
	for machine.Current() != status.Open {
		select {
		case <-ch:
		case <-deadline:
			t.Fatal("timeout waiting for OPEN")
		}
	}

	if err := c.Send(map[string]string{"type": "message", "text": "hi"}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		if !strings.Contains(msg, `"text":"hi"`) {
			t.Errorf("server received %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server receive")
	}
}
