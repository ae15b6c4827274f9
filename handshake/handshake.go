package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/risa-org/duplex/transport"
)

// DefaultTimeout bounds a single connect attempt.
const DefaultTimeout = 15 * time.Second

var ErrTimeout = errors.New("handshake: attempt timed out")

// Result is what an attempt returns. Either the handle is open and Accepted,
// or it was aborted and Reason says why.
type Result struct {
	Accepted bool
	Elapsed  time.Duration
	Reason   string // populated on rejection, empty on success
	Err      error
}

// Rejection reasons. These feed the handshake failure metric label.
const (
	ReasonTimeout  = "timeout"
	ReasonCanceled = "canceled"
	ReasonRefused  = "refused"
	ReasonNotOpen  = "not_open"
)

// Attempt performs one bounded connect on a fresh adapter.
//
// Steps:
//  1. Derive a context limited by timeout
//  2. Connect the adapter
//  3. Confirm the adapter reports open
//  4. On any failure abort the adapter so it holds no resources
//
// A timeout of zero or less takes DefaultTimeout.
func Attempt(ctx context.Context, a transport.Adapter, uri string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := a.Connect(attemptCtx, uri, timeout)
	elapsed := time.Since(start)

	if err == nil && a.Status() == transport.StatusOpen {
		return Result{Accepted: true, Elapsed: elapsed}
	}

	a.Abort()

	switch {
	case err == nil:
		return reject(ReasonNotOpen, elapsed, fmt.Errorf("handshake: adapter is %s after connect", a.Status()))
	case ctx.Err() != nil:
		return reject(ReasonCanceled, elapsed, ctx.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return reject(ReasonTimeout, elapsed, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err))
	default:
		return reject(ReasonRefused, elapsed, err)
	}
}

// reject is a helper to build a clean rejection result with a reason.
func reject(reason string, elapsed time.Duration, err error) Result {
	return Result{
		Accepted: false,
		Elapsed:  elapsed,
		Reason:   reason,
		Err:      err,
	}
}

// RetryDelay is how long to sleep before the next attempt: the strategy
// delay minus the time the failed attempt already took, floored at zero.
func RetryDelay(delay, elapsed time.Duration) time.Duration {
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}
