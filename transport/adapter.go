package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrTransportClosed is returned when you try to read or write on a transport
// that is no longer open. Adapters wrap the underlying cause with it so callers
// can check with errors.Is() without caring which backend produced it.
var ErrTransportClosed = errors.New("transport closed")

// ErrNotOpen is returned by Connect when the adapter was already used.
// Adapters are single-use: one instance per connect attempt.
var ErrNotOpen = errors.New("transport not in connecting state")

// FrameKind is the type of a single frame on the wire.
type FrameKind int

const (
	FrameText   FrameKind = iota // UTF-8 text payload
	FrameBinary                  // opaque bytes
	FrameClose                   // peer asked to close, Data carries the reason if any
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one transport-level chunk. A logical message may span several
// frames; the last one has Final set.
type Frame struct {
	Kind  FrameKind
	Data  []byte
	Final bool
}

// Status is the lifecycle position of one adapter instance.
type Status int32

const (
	StatusConnecting Status = iota // created, handshake not finished
	StatusOpen                     // handshake done, frames flowing
	StatusClosing                  // graceful close in progress
	StatusClosed                   // closed cleanly by either side
	StatusAborted                  // torn down after a fault or forced disposal
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the adapter can never be used again.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusAborted
}

// DisconnectReason tells the client why a connection left the open state.
// It is derived from the final status and feeds logs and metrics labels.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // adapter aborted after a fault
	ReasonTimeout                              // loops outlived the drain bound
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// ReasonFor maps the status an adapter ended in to a DisconnectReason.
func ReasonFor(s Status) DisconnectReason {
	switch s {
	case StatusClosed, StatusClosing:
		return ReasonClosedClean
	case StatusAborted:
		return ReasonNetworkError
	default:
		return ReasonUnknown
	}
}

// Adapter is the contract every transport backend must satisfy.
// The client only ever talks to this interface; it never imports nhooyr,
// gorilla or the framed TCP codec directly.
//
// ReadFrame is called by exactly one goroutine and WriteFrame by exactly
// one other. Close, Abort and Status may be called from anywhere.
type Adapter interface {
	// Connect performs the opening handshake against uri. The attempt is
	// bounded by timeout and by ctx, whichever ends first.
	Connect(ctx context.Context, uri string, timeout time.Duration) error

	// ReadFrame blocks until the next frame arrives or ctx is done.
	ReadFrame(ctx context.Context) (Frame, error)

	// WriteFrame sends one frame. A message written with final=false stays
	// open until a later frame with final=true.
	WriteFrame(ctx context.Context, data []byte, kind FrameKind, final bool) error

	// Close requests a graceful close. Safe to call multiple times.
	Close(reason string) error

	// Abort tears the connection down immediately. Safe to call multiple
	// times and in any status.
	Abort()

	// Status returns the current lifecycle position.
	Status() Status
}

// Factory creates a fresh, unconnected adapter. The client calls it once per
// connect attempt because adapters are never reused.
type Factory func(opts Options, log *zap.Logger) Adapter

// StatusCell is an atomically updated Status shared by the adapter
// implementations.
type StatusCell struct {
	v atomic.Int32
}

func (c *StatusCell) Load() Status {
	return Status(c.v.Load())
}

func (c *StatusCell) Store(s Status) {
	c.v.Store(int32(s))
}

// Transition moves from one status to another only if the current value is
// still from. Returns whether the swap happened.
func (c *StatusCell) Transition(from, to Status) bool {
	return c.v.CompareAndSwap(int32(from), int32(to))
}

// Finish moves to a terminal status unless one was already reached.
// The first terminal status wins: a cleanly closed adapter stays closed even
// if it is aborted afterwards.
func (c *StatusCell) Finish(to Status) {
	for {
		cur := c.Load()
		if cur.Terminal() {
			return
		}
		if c.Transition(cur, to) {
			return
		}
	}
}
