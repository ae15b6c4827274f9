package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/risa-org/duplex/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Adapter implements transport.Adapter over nhooyr.io/websocket.
// nhooyr hides individual wire frames behind a reader per message, so the
// adapter re-chunks each message into frames of at most ReadChunkSize bytes
// and marks the chunk that reaches the end of the message as final.
type Adapter struct {
	opts   transport.Options
	log    *zap.Logger
	status transport.StatusCell

	mu   sync.Mutex // guards conn
	conn *websocket.Conn

	// read side, only touched by the ReadFrame goroutine
	reader  io.Reader
	msgType websocket.MessageType

	// write side, only touched by the WriteFrame goroutine
	writeMu sync.Mutex
	writer  io.WriteCloser

	closeOnce sync.Once
}

// New creates an unconnected adapter. Options are expected to be sanitised.
func New(opts transport.Options, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ReadChunkSize <= 0 {
		opts.ReadChunkSize = transport.DefaultReadChunkSize
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = transport.DefaultReadLimit
	}
	return &Adapter{opts: opts, log: log.Named("websocket")}
}

// Factory is a transport.Factory producing nhooyr-backed adapters.
func Factory(opts transport.Options, log *zap.Logger) transport.Adapter {
	return New(opts, log)
}

// Wrap adopts an already established connection, e.g. one returned by
// websocket.Accept on the server side. The adapter starts open.
func Wrap(conn *websocket.Conn, opts transport.Options, log *zap.Logger) *Adapter {
	a := New(opts, log)
	a.conn = conn
	conn.SetReadLimit(a.opts.ReadLimit)
	a.status.Store(transport.StatusOpen)
	return a
}

func (a *Adapter) Connect(ctx context.Context, uri string, timeout time.Duration) error {
	if a.Status() != transport.StatusConnecting || a.currentConn() != nil {
		return transport.ErrNotOpen
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(ctx, uri, &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy:           a.opts.ProxyFunc(),
				TLSClientConfig: a.opts.TLSConfig(),
			},
		},
		HTTPHeader:   a.opts.HTTPHeader(),
		Subprotocols: a.opts.Subprotocols,
	})
	if err != nil {
		a.status.Finish(transport.StatusAborted)
		if resp != nil {
			return fmt.Errorf("websocket dial %s: status %d: %w", uri, resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial %s: %w", uri, err)
	}
	conn.SetReadLimit(a.opts.ReadLimit)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	// Abort may have raced the dial
	if !a.status.Transition(transport.StatusConnecting, transport.StatusOpen) {
		_ = conn.CloseNow()
		return transport.ErrTransportClosed
	}

	a.log.Debug("WebSocket connection established",
		zap.String("uri", uri),
		zap.String("subprotocol", conn.Subprotocol()),
	)
	return nil
}

func (a *Adapter) ReadFrame(ctx context.Context) (transport.Frame, error) {
	conn := a.currentConn()
	if conn == nil || a.Status().Terminal() {
		return transport.Frame{}, transport.ErrTransportClosed
	}

	if a.reader == nil {
		typ, r, err := conn.Reader(ctx)
		if err != nil {
			return a.readError(err)
		}
		a.msgType = typ
		a.reader = r
	}

	buf := make([]byte, a.opts.ReadChunkSize)
	n, err := io.ReadFull(a.reader, buf)
	switch {
	case err == nil:
		// chunk filled exactly; the message may or may not continue
		return transport.Frame{Kind: kindOf(a.msgType), Data: buf[:n]}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		a.reader = nil
		return transport.Frame{Kind: kindOf(a.msgType), Data: buf[:n], Final: true}, nil
	default:
		a.reader = nil
		return a.readError(err)
	}
}

// readError turns a close handshake into a close frame and anything else
// into a transport error.
func (a *Adapter) readError(err error) (transport.Frame, error) {
	if code := websocket.CloseStatus(err); code != -1 {
		a.status.Finish(transport.StatusClosed)
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		a.log.Debug("Peer closed connection", zap.Int("code", int(code)), zap.String("reason", reason))
		return transport.Frame{Kind: transport.FrameClose, Data: []byte(reason), Final: true}, nil
	}
	return transport.Frame{}, fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
}

func (a *Adapter) WriteFrame(ctx context.Context, data []byte, kind transport.FrameKind, final bool) error {
	if kind == transport.FrameClose {
		return a.Close(string(data))
	}
	conn := a.currentConn()
	if conn == nil || a.Status() != transport.StatusOpen {
		return transport.ErrTransportClosed
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.writer == nil && final {
		if err := conn.Write(ctx, typeOf(kind), data); err != nil {
			return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
		}
		return nil
	}

	if a.writer == nil {
		w, err := conn.Writer(ctx, typeOf(kind))
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
		}
		a.writer = w
	}

	if _, err := a.writer.Write(data); err != nil {
		a.writer = nil
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	if final {
		w := a.writer
		a.writer = nil
		if err := w.Close(); err != nil {
			return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
		}
	}
	return nil
}

// Close performs the close handshake with StatusNormalClosure.
// Safe to call multiple times, only the first call does anything.
func (a *Adapter) Close(reason string) error {
	var err error
	a.closeOnce.Do(func() {
		if !a.status.Transition(transport.StatusOpen, transport.StatusClosing) {
			return
		}
		conn := a.currentConn()
		err = conn.Close(websocket.StatusNormalClosure, reason)
		a.status.Finish(transport.StatusClosed)
	})
	return err
}

func (a *Adapter) Abort() {
	a.status.Finish(transport.StatusAborted)
	if conn := a.currentConn(); conn != nil {
		_ = conn.CloseNow()
	}
}

func (a *Adapter) Status() transport.Status {
	return a.status.Load()
}

func (a *Adapter) currentConn() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func kindOf(t websocket.MessageType) transport.FrameKind {
	if t == websocket.MessageBinary {
		return transport.FrameBinary
	}
	return transport.FrameText
}

func typeOf(k transport.FrameKind) websocket.MessageType {
	if k == transport.FrameBinary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}
