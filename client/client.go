// Package client keeps one logical duplex connection alive.
//
// A Client owns a monitor goroutine that connects, runs a listener and a
// sender for the open handle, notices when the handle leaves open, tears
// the pair down and reconnects. Outbound messages go through a bounded
// queue that survives reconnects; inbound messages are reassembled and
// handed to subscribers.
//
//	c, err := client.New("wss://example.com/feed", client.Options{})
//	if err != nil { ... }
//	c.OnMessage(func(text string) { fmt.Println(text) })
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Close()
//	c.Send("hello")
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/risa-org/duplex/metrics"
	"github.com/risa-org/duplex/queue"
	"github.com/risa-org/duplex/session"
	"github.com/risa-org/duplex/transport"
	"go.uber.org/zap"
)

// closeReason is sent with the close frame on Close and Disconnect.
const closeReason = "client requested close"

// closeGrace is added to the drain bound when Close waits for the monitor.
const closeGrace = time.Second

type Client struct {
	uri     string
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	queue   *queue.Queue
	tracker *session.Tracker

	// lifecycle flags shared by the monitor, the loops and the façade
	reconnecting atomic.Bool
	runRequested atomic.Bool
	remoteClosed atomic.Bool

	// loops of the latest generation, nil before the first open
	loops atomic.Pointer[loopFlags]

	mu      sync.Mutex
	handle  transport.Adapter
	cancel  context.CancelFunc
	started bool
	closed  bool
	done    chan struct{}

	closeOnce sync.Once

	opened     subscribers[func()]
	messages   subscribers[func(string)]
	data       subscribers[func([]byte)]
	errs       subscribers[func(error)]
	sendFailed subscribers[func(string, error)]
}

// New validates uri and snapshots opts. Invalid transport options are
// logged and dropped; they never fail construction.
func New(uri string, opts Options) (*Client, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidURI, uri, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w %q: scheme and host are required", ErrInvalidURI, uri)
	}

	opts = opts.withDefaults()
	log := opts.Logger.Named("duplex").With(zap.String("uri", uri))
	opts.Transport, _ = opts.Transport.Sanitize(log)

	return &Client{
		uri:     uri,
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
		queue:   queue.New(opts.QueueLimit, queue.WithClock(opts.Clock)),
		tracker: session.NewTracker(log),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the monitor. The client runs until Close is called or
// ctx ends.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.runRequested.Store(true)

	c.log.Info("Starting connection monitor")
	go c.monitor(runCtx)
	return nil
}

// Send queues text for delivery. It returns false when the queue is full
// or the client is neither open nor reconnecting. Messages queued while
// reconnecting go out once the next connection opens, unless they expire.
func (c *Client) Send(text string) bool {
	if !c.acceptingSends() {
		c.log.Debug("Rejecting message, not connected",
			zap.Stringer("state", c.State()),
			zap.Int("queue_length", c.queue.Len()),
		)
		c.metrics.Rejected(metrics.RejectNotOpen)
		return false
	}
	if !c.queue.TryPush(text) {
		c.log.Debug("Rejecting message, queue limit reached", zap.Int("queue_length", c.queue.Len()))
		c.metrics.Rejected(metrics.RejectQueueFull)
		return false
	}
	c.metrics.Queued(c.queue.Len())
	return true
}

func (c *Client) acceptingSends() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	return c.reconnecting.Load() || c.Status() == transport.StatusOpen
}

// Close stops the client: the open handle, if any, is closed gracefully,
// the monitor is cancelled and Close waits a bounded time for it to exit.
// Only the first call does anything; later calls return nil.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.close() })
	return err
}

func (c *Client) close() error {
	c.mu.Lock()
	c.closed = true
	started := c.started
	cancel := c.cancel
	handle := c.handle
	c.mu.Unlock()

	c.runRequested.Store(false)

	if !started {
		c.tracker.Transition(session.StateStopped)
		close(c.done)
		return nil
	}

	if handle != nil && handle.Status() == transport.StatusOpen {
		if err := handle.Close(closeReason); err != nil {
			c.log.Debug("Graceful close failed", zap.Error(err))
		}
	}
	cancel()

	bound := c.opts.drainBound() + closeGrace
	select {
	case <-c.done:
	case <-time.After(bound):
		c.log.Warn("Monitor did not stop in time", zap.Duration("waited", bound))
	}
	return nil
}

// Disconnect gracefully closes the current handle only. The monitor
// notices and reconnects.
func (c *Client) Disconnect() error {
	h := c.currentHandle()
	if h == nil || h.Status() != transport.StatusOpen {
		return transport.ErrNotOpen
	}
	c.log.Info("Disconnect requested")
	return h.Close(closeReason)
}

// Status reports the current handle's status, or closed before the first
// attempt.
func (c *Client) Status() transport.Status {
	if h := c.currentHandle(); h != nil {
		return h.Status()
	}
	return transport.StatusClosed
}

// State reports what the monitor is doing.
func (c *Client) State() session.State {
	return c.tracker.State()
}

// QueueLength is the number of messages waiting to be sent.
func (c *Client) QueueLength() int {
	return c.queue.Len()
}

// Generation counts successful opens; zero before the first.
func (c *Client) Generation() uint64 {
	return c.tracker.Current().Number
}

// Done is closed once the monitor has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) currentHandle() transport.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Client) setHandle(h transport.Adapter) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}
