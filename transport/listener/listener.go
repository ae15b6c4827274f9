// Package listener turns a stream of transport frames into whole messages
// and routes them: close frames end the loop, "ping" is answered, text and
// binary messages go to their hooks.
package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/risa-org/duplex/transport"
	"go.uber.org/zap"
)

// ErrMessageTooLarge is returned when a reassembled message would exceed
// the configured maximum. A read fault, not a protocol close.
var ErrMessageTooLarge = errors.New("listener: message exceeds maximum size")

// PingText is the keep-alive probe answered with PongText.
const (
	PingText = "ping"
	PongText = "pong"
)

// FrameReader is the read half of a transport.Adapter.
type FrameReader interface {
	ReadFrame(ctx context.Context) (transport.Frame, error)
}

// Message is one logical message. Kind is FrameText, FrameBinary or
// FrameClose; for a close Data holds the peer's reason.
type Message struct {
	Kind transport.FrameKind
	Data []byte
}

// Assembler concatenates frames until one is marked final.
type Assembler struct {
	Reader FrameReader
	// MaxMessageSize caps a reassembled message; zero or less means no cap.
	MaxMessageSize int64
}

// Next reads frames until a complete message is available. The first frame
// decides whether the message is text or binary. A close frame at any point
// wins over a partial message.
func (a *Assembler) Next(ctx context.Context) (Message, error) {
	var (
		buf   []byte
		kind  transport.FrameKind
		first = true
	)
	for {
		f, err := a.Reader.ReadFrame(ctx)
		if err != nil {
			return Message{}, err
		}
		if f.Kind == transport.FrameClose {
			return Message{Kind: transport.FrameClose, Data: f.Data}, nil
		}
		if first {
			kind = f.Kind
			first = false
		}
		if a.MaxMessageSize > 0 && int64(len(buf)+len(f.Data)) > a.MaxMessageSize {
			return Message{}, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, a.MaxMessageSize)
		}
		buf = append(buf, f.Data...)
		if f.Final {
			if buf == nil {
				buf = []byte{}
			}
			return Message{Kind: kind, Data: buf}, nil
		}
	}
}

// Hooks are called from the loop goroutine. Any of them may be nil.
type Hooks struct {
	RemoteClose func(reason string)
	Ping        func()
	Message     func(text string)
	Data        func(b []byte)
	Fault       func(err error)
}

// Loop reads messages from one transport handle until it closes or faults.
type Loop struct {
	Adapter        transport.Adapter
	MaxMessageSize int64
	// Active reports whether the loop's generation is still current.
	Active func() bool
	// Running, if set, is true for exactly as long as Run executes.
	Running *atomic.Bool
	Hooks   Hooks
	Logger  *zap.Logger
}

// Run blocks until the peer closes, the handle faults, ctx ends or Active
// turns false. It does not close the handle on a remote close; the monitor
// sees the status change on its next poll. A read error on a cleanly
// closed handle ends the loop quietly; any other read fault aborts the
// handle and is returned when the loop was still active.
func (l *Loop) Run(ctx context.Context) (err error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if l.Running != nil {
		l.Running.Store(true)
		defer l.Running.Store(false)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener: panic: %v", r)
			log.Error("Listener loop panicked", zap.Any("panic", r))
			l.Adapter.Abort()
			if l.Hooks.Fault != nil {
				l.Hooks.Fault(err)
			}
		}
	}()

	asm := Assembler{Reader: l.Adapter, MaxMessageSize: l.MaxMessageSize}
	for l.live(ctx) {
		m, rerr := asm.Next(ctx)
		if rerr != nil {
			if l.Adapter.Status() == transport.StatusClosed {
				log.Debug("Handle closed", zap.Error(rerr))
				return nil
			}
			l.Adapter.Abort()
			if ctx.Err() != nil || !l.active() {
				log.Debug("Listener stopped during teardown", zap.Error(rerr))
				return nil
			}
			log.Warn("Read failed, aborting handle", zap.Error(rerr))
			if l.Hooks.Fault != nil {
				l.Hooks.Fault(rerr)
			}
			return rerr
		}

		switch m.Kind {
		case transport.FrameClose:
			log.Debug("Peer requested close", zap.ByteString("reason", m.Data))
			if l.Hooks.RemoteClose != nil {
				l.Hooks.RemoteClose(string(m.Data))
			}
			return nil
		case transport.FrameBinary:
			if l.Hooks.Data != nil {
				l.Hooks.Data(m.Data)
			}
		default:
			text := string(m.Data)
			if strings.TrimSpace(text) == PingText {
				if l.Hooks.Ping != nil {
					l.Hooks.Ping()
				}
				continue
			}
			if l.Hooks.Message != nil {
				l.Hooks.Message(text)
			}
		}
	}
	return nil
}

func (l *Loop) active() bool {
	return l.Active == nil || l.Active()
}

func (l *Loop) live(ctx context.Context) bool {
	if ctx.Err() != nil || !l.active() {
		return false
	}
	return l.Adapter.Status() == transport.StatusOpen
}
