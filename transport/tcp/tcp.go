package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/risa-org/duplex/transport"
	"go.uber.org/zap"
)

// Adapter implements transport.Adapter over a raw TCP connection.
//
// Wire format for each frame:
//
//	[1 byte: flags][4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// flags bits 0-1 carry the frame kind (0 text, 1 binary, 2 close) and bit 7
// is the final-fragment marker. TCP is a stream protocol with no message
// boundaries, so this header lets the reader always take exactly one frame
// and lets the writer split one message across several frames.
type Adapter struct {
	opts   transport.Options
	log    *zap.Logger
	status transport.StatusCell

	mu   sync.Mutex
	conn net.Conn

	writeMu   sync.Mutex // one writer at a time, the close path writes too
	closeOnce sync.Once
}

const (
	headerSize = 5
	finalBit   = 0x80
	kindMask   = 0x03
)

var (
	ErrUnsupportedScheme = errors.New("tcp: uri scheme must be tcp")
	ErrFrameTooLarge     = errors.New("tcp: frame exceeds read limit")
	errUnknownKind       = errors.New("tcp: unknown frame kind")
)

func New(opts transport.Options, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = transport.DefaultReadLimit
	}
	return &Adapter{opts: opts, log: log.Named("tcp")}
}

// Factory is a transport.Factory producing framed TCP adapters.
func Factory(opts transport.Options, log *zap.Logger) transport.Adapter {
	return New(opts, log)
}

// Accept wraps a connection accepted by a net.Listener. The conn must
// already be established, so the adapter starts open.
func Accept(conn net.Conn, opts transport.Options, log *zap.Logger) *Adapter {
	a := New(opts, log)
	a.conn = conn
	a.status.Store(transport.StatusOpen)
	return a
}

// Connect dials the host:port from a tcp://host:port uri.
func (a *Adapter) Connect(ctx context.Context, uri string, timeout time.Duration) error {
	if a.Status() != transport.StatusConnecting || a.currentConn() != nil {
		return transport.ErrNotOpen
	}

	u, err := url.Parse(uri)
	if err != nil {
		a.status.Finish(transport.StatusAborted)
		return fmt.Errorf("tcp: parse uri: %w", err)
	}
	if u.Scheme != "tcp" {
		a.status.Finish(transport.StatusAborted)
		return ErrUnsupportedScheme
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		a.status.Finish(transport.StatusAborted)
		return fmt.Errorf("tcp dial %s: %w", u.Host, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if !a.status.Transition(transport.StatusConnecting, transport.StatusOpen) {
		_ = conn.Close()
		return transport.ErrTransportClosed
	}
	return nil
}

// ReadFrame reads exactly one frame. A close frame is answered with a close
// frame of our own (unless we started the close) and the connection is
// released.
func (a *Adapter) ReadFrame(ctx context.Context) (transport.Frame, error) {
	conn := a.currentConn()
	if conn == nil || a.Status().Terminal() {
		return transport.Frame{}, transport.ErrTransportClosed
	}

	// net.Conn has no context support; an expired deadline unblocks the read
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	var header [headerSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return transport.Frame{}, a.readError(err)
	}

	flags := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if int64(length) > a.opts.ReadLimit {
		return transport.Frame{}, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return transport.Frame{}, a.readError(err)
	}

	kind, err := decodeKind(flags)
	if err != nil {
		return transport.Frame{}, err
	}
	frame := transport.Frame{Kind: kind, Data: payload, Final: flags&finalBit != 0}

	if kind == transport.FrameClose {
		if a.status.Transition(transport.StatusOpen, transport.StatusClosing) {
			// peer started the close, echo it back
			_ = a.writeRaw(transport.FrameClose, payload, true)
		}
		a.status.Finish(transport.StatusClosed)
		_ = conn.Close()
		frame.Final = true
	}
	return frame, nil
}

func (a *Adapter) readError(err error) error {
	if errors.Is(err, io.EOF) && a.Status() == transport.StatusClosing {
		// our own close was answered by the peer hanging up
		a.status.Finish(transport.StatusClosed)
	}
	return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
}

func (a *Adapter) WriteFrame(ctx context.Context, data []byte, kind transport.FrameKind, final bool) error {
	if kind == transport.FrameClose {
		return a.Close(string(data))
	}
	if a.Status() != transport.StatusOpen {
		return transport.ErrTransportClosed
	}
	conn := a.currentConn()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetWriteDeadline(time.Now()) })
	defer stop()
	return a.writeRaw(kind, data, final)
}

// writeRaw writes header and payload in one call so concurrent writers
// never interleave a frame.
func (a *Adapter) writeRaw(kind transport.FrameKind, data []byte, final bool) error {
	conn := a.currentConn()
	if conn == nil {
		return transport.ErrTransportClosed
	}

	flags := byte(kind) & kindMask
	if final {
		flags |= finalBit
	}
	buf := make([]byte, headerSize+len(data))
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:headerSize], uint32(len(data)))
	copy(buf[headerSize:], data)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

// Close sends a close frame and releases the connection.
// Safe to call multiple times, cleanup runs exactly once due to sync.Once.
func (a *Adapter) Close(reason string) error {
	var err error
	a.closeOnce.Do(func() {
		if !a.status.Transition(transport.StatusOpen, transport.StatusClosing) {
			return
		}
		err = a.writeRaw(transport.FrameClose, []byte(reason), true)
		_ = a.currentConn().Close()
		a.status.Finish(transport.StatusClosed)
	})
	return err
}

func (a *Adapter) Abort() {
	a.status.Finish(transport.StatusAborted)
	if conn := a.currentConn(); conn != nil {
		_ = conn.Close()
	}
}

func (a *Adapter) Status() transport.Status {
	return a.status.Load()
}

func (a *Adapter) currentConn() net.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func decodeKind(flags byte) (transport.FrameKind, error) {
	switch flags & kindMask {
	case 0:
		return transport.FrameText, nil
	case 1:
		return transport.FrameBinary, nil
	case 2:
		return transport.FrameClose, nil
	default:
		return 0, errUnknownKind
	}
}
