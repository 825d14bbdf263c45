package resync

import (
	"context"
	"sync"
	"time"

	"github.com/safegram/syncd/internal/bus"
	"github.com/safegram/syncd/internal/rest"
	"github.com/safegram/syncd/internal/state"
	"github.com/safegram/syncd/internal/status"
	"go.uber.org/zap"
)

// Fetcher retrieves authoritative snapshots from the server.
type Fetcher interface {
	FetchChats(ctx context.Context) ([]state.ChatSummary, error)
	FetchUsers(ctx context.Context) ([]rest.UserRecord, error)
}

// Applier consumes a fetched snapshot. The synchronization core implements
// this; applies run on the controller's fetch goroutine.
type Applier interface {
	ApplySnapshot(chats []state.ChatSummary, users []rest.UserRecord)
}

// Controller periodically reconciles local state against REST snapshots.
// While the push channel is down it polls faster, and a transition back to
// open triggers an immediate resync. At most one fetch is in flight at a
// time; a fetch whose result arrives after a newer cycle superseded it is
// discarded rather than applied stale.
type Controller struct {
	fetcher Fetcher
	applier Applier
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	interval         time.Duration
	degradedInterval time.Duration
	failureThreshold int

	mu         sync.Mutex
	generation uint64
	inFlight   bool
	failures   int
	degraded   bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(fetcher Fetcher, applier Applier, machine *status.Machine, b *bus.Bus, logger *zap.Logger, interval, degradedInterval time.Duration, failureThreshold int) *Controller {
	return &Controller{
		fetcher:          fetcher,
		applier:          applier,
		machine:          machine,
		bus:              b,
		logger:           logger.Named("resync"),
		interval:         interval,
		degradedInterval: degradedInterval,
		failureThreshold: failureThreshold,
	}
}

// Start begins the resync loop and runs an initial resync immediately.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	ch, unsub := c.bus.Subscribe("conn.", 16)
	go func() {
		defer close(c.done)
		defer unsub()

		c.Trigger(ctx)
		timer := time.NewTimer(c.currentInterval())
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				change, ok := evt.Payload.(status.StatusChange)
				if ok && change.To == status.Open {
					// Channel recovered: events were missed while down,
					// so resync right away.
					c.Trigger(ctx)
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.currentInterval())
			case <-timer.C:
				c.Trigger(ctx)
				timer.Reset(c.currentInterval())
			}
		}
	}()
}

// Stop halts the loop. Any in-flight fetch has its result discarded.
func (c *Controller) Stop() {
	if c.cancel == nil {
		return
	}
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	c.cancel()
	<-c.done
}

// Trigger starts one resync cycle unless one is already running, in which
// case the call is a no-op.
func (c *Controller) Trigger(ctx context.Context) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	gen := c.generation
	c.mu.Unlock()

	go c.run(ctx, gen)
}

func (c *Controller) run(ctx context.Context, gen uint64) {
	chats, chatErr := c.fetcher.FetchChats(ctx)
	var users []rest.UserRecord
	var userErr error
	if chatErr == nil {
		users, userErr = c.fetcher.FetchUsers(ctx)
	}

	c.mu.Lock()
	c.inFlight = false
	if gen != c.generation {
		// The controller moved on while we were fetching.
		c.mu.Unlock()
		return
	}
	if chatErr != nil || userErr != nil {
		c.failures++
		failures := c.failures
		announce := failures == c.failureThreshold && !c.degraded
		if announce {
			c.degraded = true
		}
		c.mu.Unlock()

		err := chatErr
		if err == nil {
			err = userErr
		}
		c.logger.Warn("resync failed", zap.Error(err), zap.Int("consecutive_failures", failures))
		if announce {
			c.bus.Publish(bus.Event{
				Kind:      bus.KindResyncDegraded,
				Timestamp: time.Now(),
				Payload:   failures,
			})
		}
		return
	}
	recovered := c.degraded
	c.failures = 0
	c.degraded = false
	c.mu.Unlock()

	c.applier.ApplySnapshot(chats, users)
	if recovered {
		c.logger.Info("resync recovered")
	}
	c.bus.Publish(bus.Event{
		Kind:      bus.KindResyncApplied,
		Timestamp: time.Now(),
		Payload:   len(chats),
	})
}

func (c *Controller) currentInterval() time.Duration {
	if c.machine.IsOpen() {
		return c.interval
	}
	return c.degradedInterval
}
