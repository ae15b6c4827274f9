package sender

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/risa-org/duplex/queue"
	"github.com/risa-org/duplex/transport"
	"go.uber.org/zap"
)

// minIdle bounds how often an empty queue is polled when no pacing is set.
const minIdle = 10 * time.Millisecond

// DefaultPacing is the pause after each write.
const DefaultPacing = 80 * time.Millisecond

// Source is where the loop takes messages from. *queue.Queue satisfies it.
type Source interface {
	Pop(ctx context.Context, wait time.Duration) (queue.Message, bool)
}

// Hooks are called from the loop goroutine. Any of them may be nil.
type Hooks struct {
	Sent    func(m queue.Message)
	Dropped func(m queue.Message, age time.Duration)
	Failed  func(payload string, err error)
	// Fault reports a recovered panic.
	Fault   func(err error)
}

// Loop drains a Source onto one transport handle.
//
// It is the single place where outgoing messages leave the process:
// each message is checked for age, written as one final text frame and
// followed by a pacing pause. A failed write is reported and the handle is
// aborted, so the monitor notices the drop on its next poll.
type Loop struct {
	Source  Source
	Adapter transport.Adapter
	Pacing  time.Duration
	Expiry  time.Duration
	Clock   clockwork.Clock
	// Active reports whether the loop's generation is still current.
	Active func() bool
	// Running, if set, is true for exactly as long as Run executes.
	Running *atomic.Bool
	Hooks   Hooks
	Logger  *zap.Logger
}

// Run blocks until ctx ends, Active turns false, the handle leaves open or
// a write fails. It returns the write error or a recovered panic.
func (l *Loop) Run(ctx context.Context) (err error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := l.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	idle := l.Pacing
	if idle <= 0 {
		idle = minIdle
	}

	if l.Running != nil {
		l.Running.Store(true)
		defer l.Running.Store(false)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender: panic: %v", r)
			log.Error("Sender loop panicked", zap.Any("panic", r))
			if l.Hooks.Fault != nil {
				l.Hooks.Fault(err)
			}
		}
	}()

	for l.live(ctx) {
		m, ok := l.Source.Pop(ctx, idle)
		if !ok {
			continue
		}

		if age := clock.Since(m.EnqueuedAt); m.Expired(clock.Now(), l.Expiry) {
			log.Debug("Dropping expired message",
				zap.Duration("age", age),
				zap.Duration("expiry", l.Expiry),
			)
			if l.Hooks.Dropped != nil {
				l.Hooks.Dropped(m, age)
			}
			continue
		}

		if werr := l.Adapter.WriteFrame(ctx, []byte(m.Payload), transport.FrameText, true); werr != nil {
			log.Warn("Write failed, aborting handle", zap.Error(werr))
			l.failed(m.Payload, werr)
			l.Adapter.Abort()
			return werr
		}
		if l.Hooks.Sent != nil {
			l.Hooks.Sent(m)
		}

		if l.Pacing > 0 && !sleep(ctx, l.Pacing) {
			return nil
		}
	}
	return nil
}

func (l *Loop) live(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if l.Active != nil && !l.Active() {
		return false
	}
	return l.Adapter.Status() == transport.StatusOpen
}

func (l *Loop) failed(payload string, err error) {
	if l.Hooks.Failed != nil {
		l.Hooks.Failed(payload, err)
	}
}

// sleep waits d or until ctx ends; false means ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
