package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/risa-org/duplex/handshake"
	"github.com/risa-org/duplex/queue"
	"github.com/risa-org/duplex/reconnect"
	"github.com/risa-org/duplex/session"
	"github.com/risa-org/duplex/transport"
	"github.com/risa-org/duplex/transport/listener"
	"github.com/risa-org/duplex/transport/sender"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// monitor runs connect, open, teardown and reconnect cycles until the run
// is no longer requested. It owns every handle it creates.
func (c *Client) monitor(ctx context.Context) {
	defer close(c.done)
	defer c.stopped()

	for cycle := 0; c.running(ctx); cycle++ {
		if !c.safeCycle(ctx, cycle > 0) {
			return
		}
	}
}

func (c *Client) running(ctx context.Context) bool {
	return c.runRequested.Load() && ctx.Err() == nil
}

// safeCycle runs one cycle and turns a panic into an error event so the
// monitor keeps going.
func (c *Client) safeCycle(ctx context.Context, reconnecting bool) (keepGoing bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("monitor: panic: %v", r)
			c.log.Error("Monitor cycle panicked", zap.Error(err))
			c.recoverState()
			c.emitError(err)
			keepGoing = sleep(ctx, c.opts.StatusPollInterval)
		}
	}()
	return c.cycle(ctx, reconnecting)
}

// recoverState moves the tracker somewhere the next cycle can start from
// after a panic cut the current one short.
func (c *Client) recoverState() {
	c.reconnecting.Store(true)
	switch c.tracker.State() {
	case session.StateConnecting:
		if h := c.currentHandle(); h != nil {
			h.Abort()
		}
		c.transition(session.StateReconnecting)
	case session.StateOpen:
		if h := c.currentHandle(); h != nil {
			h.Abort()
		}
		c.transition(session.StateClosing)
	}
}

// cycle is one pass through the state machine:
//
//	[Reconnecting →] Connecting → Open → Closing
//
// It returns false when the monitor should stop.
func (c *Client) cycle(ctx context.Context, reconnecting bool) bool {
	if reconnecting {
		if c.tracker.State() != session.StateReconnecting {
			c.transition(session.StateReconnecting)
		}
		if !c.waitBeforeRetry(ctx, 0) {
			return false
		}
	}

	c.reconnecting.Store(true)
	c.transition(session.StateConnecting)
	handle, ok := c.connect(ctx)
	if !ok {
		return false
	}
	c.run(ctx, handle)
	return true
}

// connect creates handles and attempts handshakes until one opens, the run
// is cancelled or the strategy gives up.
func (c *Client) connect(ctx context.Context) (transport.Adapter, bool) {
	if c.remoteClosed.Swap(false) {
		c.log.Info("Re-connecting closed connection")
	}

	for attempt := 1; c.running(ctx); attempt++ {
		handle := c.opts.Factory(c.opts.Transport, c.log)
		c.setHandle(handle)

		res := handshake.Attempt(ctx, handle, c.uri, c.opts.HandshakeTimeout)
		if res.Accepted {
			c.log.Info("Handshake succeeded",
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", res.Elapsed),
			)
			return handle, true
		}
		if !c.running(ctx) {
			return nil, false
		}

		c.log.Warn("Handshake failed",
			zap.Int("attempt", attempt),
			zap.String("reason", res.Reason),
			zap.Duration("elapsed", res.Elapsed),
			zap.Error(res.Err),
		)
		c.metrics.HandshakeFailed(res.Reason)

		if !c.waitBeforeRetry(ctx, res.Elapsed) {
			return nil, false
		}
	}
	return nil, false
}

// waitBeforeRetry sleeps for the next strategy delay minus elapsed. It
// returns false if the run was cancelled or the strategy is exhausted.
func (c *Client) waitBeforeRetry(ctx context.Context, elapsed time.Duration) bool {
	if reconnect.Exhausted(c.opts.Strategy) {
		c.log.Error("Giving up, reconnect attempts exhausted")
		c.emitError(ErrAttemptsExhausted)
		return false
	}
	delay := handshake.RetryDelay(c.opts.Strategy.Next(), elapsed)
	c.log.Debug("Waiting before next attempt", zap.Duration("delay", delay))
	return sleep(ctx, delay)
}

// run drives one open generation: it starts the listener and the sender,
// watches the handle and tears both down when the handle leaves open.
func (c *Client) run(ctx context.Context, handle transport.Adapter) {
	gen := c.tracker.Begin()
	log := c.log.With(
		zap.Uint64("generation", gen.Number),
		zap.String("connection_id", gen.ConnectionID),
	)

	c.transition(session.StateOpen)
	c.opts.Strategy.Reset()
	c.metrics.Connected()

	flags := &loopFlags{}
	c.loops.Store(flags)

	genCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(genCtx)

	active := func() bool {
		return c.tracker.IsCurrent(gen.Number) && !c.reconnecting.Load()
	}
	c.reconnecting.Store(false)

	g.Go(func() error {
		l := &listener.Loop{
			Adapter:        handle,
			MaxMessageSize: c.opts.MaxMessageSize,
			Active:         active,
			Running:        &flags.listener,
			Hooks:          c.listenerHooks(log),
			Logger:         log.Named("listener"),
		}
		return l.Run(gctx)
	})
	g.Go(func() error {
		s := &sender.Loop{
			Source:  c.queue,
			Adapter: handle,
			Pacing:  c.opts.SendPacing,
			Expiry:  c.opts.MessageExpiry,
			Clock:   c.opts.Clock,
			Active:  active,
			Running: &flags.sender,
			Hooks:   c.senderHooks(),
			Logger:  log.Named("sender"),
		}
		return s.Run(gctx)
	})

	stopped := make(chan error, 1)
	go func() { stopped <- g.Wait() }()
	defer c.teardown(log, handle, flags, cancel, stopped)

	log.Info("Connection opened", zap.Int("reconnects", c.tracker.Reconnects()))
	c.emitOpened()
	c.watch(ctx, handle)
}

// watch blocks while the handle is open and the run is requested.
func (c *Client) watch(ctx context.Context, handle transport.Adapter) {
	ticker := time.NewTicker(c.opts.StatusPollInterval)
	defer ticker.Stop()

	for handle.Status() == transport.StatusOpen && c.runRequested.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// loopFlags records which loops of one generation are still running. A
// generation only ever writes its own pair.
type loopFlags struct {
	listener atomic.Bool
	sender   atomic.Bool
}

func (f *loopFlags) idle() bool {
	return !f.listener.Load() && !f.sender.Load()
}

// teardown stops the loops of one generation, waiting at most the drain
// bound, then aborts the handle.
func (c *Client) teardown(log *zap.Logger, handle transport.Adapter, flags *loopFlags, cancel context.CancelFunc, stopped <-chan error) {
	openFor := c.tracker.Since()
	c.transition(session.StateClosing)
	cancel()
	c.reconnecting.Store(true)

	status := handle.Status()
	log.Info("Connection closing",
		zap.Stringer("status", status),
		zap.Duration("open_for", openFor),
	)

	reason := transport.ReasonFor(status)
	if !c.awaitLoops(log, flags, stopped) {
		reason = transport.ReasonTimeout
	}
	handle.Abort()
	log.Info("Connection closed", zap.Stringer("reason", reason))

	if c.runRequested.Load() {
		c.metrics.Reconnecting()
	}
}

// awaitLoops polls until both loops report stopped, up to DrainPolls
// times. It returns false if the bound was reached first.
func (c *Client) awaitLoops(log *zap.Logger, flags *loopFlags, stopped <-chan error) bool {
	for i := 0; i < c.opts.DrainPolls; i++ {
		select {
		case err := <-stopped:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Debug("Generation ended with error", zap.Error(err))
			}
			return true
		case <-time.After(c.opts.DrainPollInterval):
		}
		if flags.idle() {
			return true
		}
	}
	log.Warn("Loops still running after drain bound, proceeding",
		zap.Bool("listener_running", flags.listener.Load()),
		zap.Bool("sender_running", flags.sender.Load()),
	)
	return false
}

// stopped runs once when the monitor exits.
func (c *Client) stopped() {
	c.runRequested.Store(false)
	c.reconnecting.Store(false)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.transition(session.StateStopped)
	if left := c.queue.Drain(); len(left) > 0 {
		c.log.Info("Discarding unsent messages", zap.Int("queue_length", len(left)))
	}
	c.metrics.Queued(0)
	c.log.Info("Connection monitor stopped")
}

func (c *Client) transition(to session.State) {
	if c.tracker.Transition(to) {
		c.metrics.SetState(int(to))
	}
}

func (c *Client) listenerHooks(log *zap.Logger) listener.Hooks {
	return listener.Hooks{
		RemoteClose: func(reason string) {
			log.Info("Peer closed connection", zap.String("reason", reason))
			c.remoteClosed.Store(true)
		},
		Ping: func() {
			if !c.Send(listener.PongText) {
				log.Warn("Could not queue pong reply")
			}
		},
		Message: func(text string) {
			c.metrics.Received(transport.FrameText.String())
			c.emitMessage(text)
		},
		Data: func(b []byte) {
			c.metrics.Received(transport.FrameBinary.String())
			c.emitData(b)
		},
		Fault: func(err error) {
			c.emitError(fmt.Errorf("read: %w", err))
		},
	}
}

func (c *Client) senderHooks() sender.Hooks {
	return sender.Hooks{
		Sent: func(queue.Message) {
			c.metrics.Sent(c.queue.Len())
		},
		Dropped: func(queue.Message, time.Duration) {
			c.metrics.Expired(c.queue.Len())
		},
		Failed: func(payload string, err error) {
			c.metrics.SendFailed()
			c.emitSendFailed(payload, err)
		},
		Fault: func(err error) {
			c.emitError(err)
		},
	}
}

// sleep waits d or until ctx ends; false means ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
