// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/risa-org/duplex/transport"
	"go.uber.org/zap"
)

var errTimeout = errors.New("transporttest: timed out waiting for an open adapter")

// Write is one recorded WriteFrame call.
type Write struct {
	Data  string
	Kind  transport.FrameKind
	Final bool
}

// Fake is a scripted adapter. Frames pushed with Push are returned by
// ReadFrame in order; writes are recorded. Drop simulates a network fault.
type Fake struct {
	// ConnectErr, if set, makes Connect fail.
	ConnectErr error
	// ConnectDelay delays Connect, honoring the context.
	ConnectDelay time.Duration
	// WriteErr, if set, is consulted before every write.
	WriteErr func(data string) error

	status  transport.StatusCell
	inbound chan transport.Frame
	done    chan struct{}
	endOnce sync.Once

	mu       sync.Mutex
	uri      string
	writes   []Write
	closedBy string
	wrote    chan struct{}
}

func NewFake() *Fake {
	return &Fake{
		inbound: make(chan transport.Frame, 64),
		done:    make(chan struct{}),
		wrote:   make(chan struct{}, 1),
	}
}

// Open returns a fake that is already connected.
func Open() *Fake {
	f := NewFake()
	f.status.Store(transport.StatusOpen)
	return f
}

func (f *Fake) Connect(ctx context.Context, uri string, timeout time.Duration) error {
	f.mu.Lock()
	f.uri = uri
	f.mu.Unlock()

	if f.ConnectDelay > 0 {
		select {
		case <-time.After(f.ConnectDelay):
		case <-ctx.Done():
			f.status.Finish(transport.StatusAborted)
			return fmt.Errorf("fake dial %s: %w", uri, ctx.Err())
		}
	}
	if f.ConnectErr != nil {
		f.status.Finish(transport.StatusAborted)
		return f.ConnectErr
	}
	if !f.status.Transition(transport.StatusConnecting, transport.StatusOpen) {
		return transport.ErrNotOpen
	}
	return nil
}

func (f *Fake) ReadFrame(ctx context.Context) (transport.Frame, error) {
	select {
	case fr := <-f.inbound:
		if fr.Kind == transport.FrameClose {
			f.status.Finish(transport.StatusClosed)
			f.end()
		}
		return fr, nil
	case <-f.done:
		return transport.Frame{}, transport.ErrTransportClosed
	case <-ctx.Done():
		return transport.Frame{}, fmt.Errorf("%w: %v", transport.ErrTransportClosed, ctx.Err())
	}
}

func (f *Fake) WriteFrame(ctx context.Context, data []byte, kind transport.FrameKind, final bool) error {
	if kind == transport.FrameClose {
		return f.Close(string(data))
	}
	if f.Status() != transport.StatusOpen {
		return transport.ErrTransportClosed
	}
	if f.WriteErr != nil {
		if err := f.WriteErr(string(data)); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.writes = append(f.writes, Write{Data: string(data), Kind: kind, Final: final})
	f.mu.Unlock()

	select {
	case f.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (f *Fake) Close(reason string) error {
	if !f.status.Transition(transport.StatusOpen, transport.StatusClosing) {
		return nil
	}
	f.mu.Lock()
	f.closedBy = reason
	f.mu.Unlock()
	f.status.Finish(transport.StatusClosed)
	f.end()
	return nil
}

func (f *Fake) Abort() {
	f.status.Finish(transport.StatusAborted)
	f.end()
}

func (f *Fake) Status() transport.Status {
	return f.status.Load()
}

func (f *Fake) end() {
	f.endOnce.Do(func() { close(f.done) })
}

// Push queues inbound frames for ReadFrame.
func (f *Fake) Push(frames ...transport.Frame) {
	for _, fr := range frames {
		f.inbound <- fr
	}
}

// PushText queues a complete text message.
func (f *Fake) PushText(s string) {
	f.Push(transport.Frame{Kind: transport.FrameText, Data: []byte(s), Final: true})
}

// Drop simulates the network going away underneath the adapter.
func (f *Fake) Drop() {
	f.Abort()
}

// Done is closed once the fake is closed or aborted.
func (f *Fake) Done() <-chan struct{} {
	return f.done
}

func (f *Fake) URI() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uri
}

// CloseReason returns the reason passed to a graceful Close.
func (f *Fake) CloseReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closedBy
}

// Writes returns a copy of everything written so far.
func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

// WaitWrites blocks until at least n writes were recorded or timeout passes.
func (f *Fake) WaitWrites(n int, timeout time.Duration) ([]Write, error) {
	deadline := time.After(timeout)
	for {
		if w := f.Writes(); len(w) >= n {
			return w, nil
		}
		select {
		case <-f.wrote:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return f.Writes(), fmt.Errorf("timed out waiting for %d writes, got %d", n, len(f.Writes()))
		}
	}
}

// Dialer is a transport.Factory source that hands out Fakes and remembers
// them. Configure, if set, runs on each new fake before it is returned;
// attempt counts from 1.
type Dialer struct {
	Configure func(attempt int, f *Fake)

	mu    sync.Mutex
	fakes []*Fake
	made  chan *Fake
}

func NewDialer() *Dialer {
	return &Dialer{made: make(chan *Fake, 128)}
}

func (d *Dialer) Factory(opts transport.Options, log *zap.Logger) transport.Adapter {
	f := NewFake()
	d.mu.Lock()
	d.fakes = append(d.fakes, f)
	attempt := len(d.fakes)
	d.mu.Unlock()

	if d.Configure != nil {
		d.Configure(attempt, f)
	}
	select {
	case d.made <- f:
	default:
	}
	return f
}

// Attempts returns how many adapters were created.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fakes)
}

// Fakes returns every adapter created so far.
func (d *Dialer) Fakes() []*Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Fake(nil), d.fakes...)
}

// NextOpen waits for the next created adapter that reaches open.
func (d *Dialer) NextOpen(timeout time.Duration) (*Fake, error) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-d.made:
			err := waitStatus(f, transport.StatusOpen, deadline)
			if err == nil {
				return f, nil
			}
			if errors.Is(err, errTimeout) {
				return nil, err
			}
		case <-deadline:
			return nil, errTimeout
		}
	}
}

func waitStatus(f *Fake, want transport.Status, deadline <-chan time.Time) error {
	for {
		s := f.Status()
		if s == want {
			return nil
		}
		if s.Terminal() {
			return fmt.Errorf("adapter ended as %s", s)
		}
		select {
		case <-time.After(2 * time.Millisecond):
		case <-deadline:
			return errTimeout
		}
	}
}
