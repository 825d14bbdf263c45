package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/safegram/syncd/internal/status"
	"go.uber.org/zap"
)

const (
	// Write deadline for outgoing frames.
	writeWait = 10 * time.Second

	// The server pings every 54s; a pong must arrive within this window.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ErrNotConnected is returned by Send while the channel is not open.
var ErrNotConnected = fmt.Errorf("push channel is not open")

// FrameHandler receives each raw text frame from the push channel, in
// arrival order. It is called synchronously from the read loop, so a
// frame is fully processed before the next one is delivered.
type FrameHandler func(payload []byte)

// Client maintains the persistent push-channel connection. It owns the
// connect/reconnect loop and drives the connection state machine; frame
// consumers register a handler and never touch the socket.
type Client struct {
	wsURL   string
	machine *status.Machine
	logger  *zap.Logger

	backoffBase time.Duration
	backoffCap  time.Duration

	handler FrameHandler

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewClient creates a push-channel client for the given server. serverURL
// is the http(s) base URL; the channel lives at /ws with the token as a
// query parameter.
func NewClient(serverURL, token string, machine *status.Machine, logger *zap.Logger, backoffBase, backoffCap time.Duration) (*Client, error) {
	wsURL, err := channelURL(serverURL, token)
	if err != nil {
		return nil, err
	}
	return &Client{
		wsURL:       wsURL,
		machine:     machine,
		logger:      logger,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}, nil
}

func channelURL(serverURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RegisterFrameHandler sets the frame consumer. Must be called before Start.
func (c *Client) RegisterFrameHandler(h FrameHandler) {
	c.handler = h
}

// Start launches the connect/reconnect loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop tears down the connection and stops reconnecting.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context) {
	backoff := c.backoffBase
	for {
		if ctx.Err() != nil {
			return
		}

		_ = c.machine.Transition(status.Connecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			_ = c.machine.Transition(status.Closed)
			c.logger.Warn("push channel connect failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, c.backoffCap)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		backoff = c.backoffBase
		_ = c.machine.Transition(status.Open)
		c.logger.Info("push channel connected")

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		_ = c.machine.Transition(status.Closed)
		c.logger.Warn("push channel closed")
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.mu.Unlock()
				if err != nil {
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("push channel read error", zap.Error(err))
			}
			return
		}
		if c.handler != nil {
			c.handler(payload)
		}
	}
}

// Send marshals v as JSON and writes it to the channel. Fails immediately
// when the channel is not open; callers fall back to the offline outbox.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
