// Package gorilla implements transport.Adapter over github.com/gorilla/websocket.
//
// gorilla has no context support, so blocking reads and writes are bound to
// their context with context.AfterFunc: when the context ends the connection
// is aborted, which unblocks the pending call.
package gorilla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/risa-org/duplex/transport"
	"go.uber.org/zap"
)

// closeGrace bounds how long writing the close control frame may take.
const closeGrace = time.Second

type Adapter struct {
	opts   transport.Options
	log    *zap.Logger
	status transport.StatusCell

	mu   sync.Mutex
	conn *websocket.Conn

	reader  io.Reader
	msgType int

	writeMu sync.Mutex
	writer  io.WriteCloser

	closeOnce sync.Once
}

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
	return &Adapter{opts: opts, log: log.Named("gorilla")}
}

// Factory is a transport.Factory producing gorilla-backed adapters.
func Factory(opts transport.Options, log *zap.Logger) transport.Adapter {
	return New(opts, log)
}

// Wrap adopts a connection returned by websocket.Upgrader.Upgrade.
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

	dialer := websocket.Dialer{
		Proxy:            a.opts.ProxyFunc(),
		TLSClientConfig:  a.opts.TLSConfig(),
		HandshakeTimeout: timeout,
		Subprotocols:     a.opts.Subprotocols,
	}

	conn, resp, err := dialer.DialContext(ctx, uri, a.opts.HTTPHeader())
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

	if !a.status.Transition(transport.StatusConnecting, transport.StatusOpen) {
		_ = conn.Close()
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

	stop := context.AfterFunc(ctx, a.Abort)
	defer stop()

	if a.reader == nil {
		typ, r, err := conn.NextReader()
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
		return transport.Frame{Kind: kindOf(a.msgType), Data: buf[:n]}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		a.reader = nil
		return transport.Frame{Kind: kindOf(a.msgType), Data: buf[:n], Final: true}, nil
	default:
		a.reader = nil
		return a.readError(err)
	}
}

func (a *Adapter) readError(err error) (transport.Frame, error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		// the default close handler already echoed the close frame
		a.status.Finish(transport.StatusClosed)
		if conn := a.currentConn(); conn != nil {
			_ = conn.Close()
		}
		a.log.Debug("Peer closed connection", zap.Int("code", ce.Code), zap.String("reason", ce.Text))
		return transport.Frame{Kind: transport.FrameClose, Data: []byte(ce.Text), Final: true}, nil
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

	stop := context.AfterFunc(ctx, a.Abort)
	defer stop()

	if a.writer == nil && final {
		if err := conn.WriteMessage(typeOf(kind), data); err != nil {
			return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
		}
		return nil
	}

	if a.writer == nil {
		w, err := conn.NextWriter(typeOf(kind))
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

// Close sends a normal-closure control frame and releases the connection.
func (a *Adapter) Close(reason string) error {
	var err error
	a.closeOnce.Do(func() {
		if !a.status.Transition(transport.StatusOpen, transport.StatusClosing) {
			return
		}
		conn := a.currentConn()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		err = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		_ = conn.Close()
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

func (a *Adapter) currentConn() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func kindOf(t int) transport.FrameKind {
	if t == websocket.BinaryMessage {
		return transport.FrameBinary
	}
	return transport.FrameText
}

func typeOf(k transport.FrameKind) int {
	if k == transport.FrameBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
