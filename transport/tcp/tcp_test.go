package tcp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/risa-org/duplex/transport"
)

// connPair dials a loopback listener and returns the accepted side and the
// dialed side as adapters.
func connPair(t *testing.T, opts transport.Options) (*Adapter, *Adapter) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client := New(opts, nil)
	if err := client.Connect(context.Background(), "tcp://"+ln.Addr().String(), time.Second); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case conn := <-accepted:
		return Accept(conn, opts, nil), client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
		return nil, nil
	}
}

func read(t *testing.T, a *Adapter) transport.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := a.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	return f
}

func TestTCPSendAndReceive(t *testing.T) {
	server, client := connPair(t, transport.Options{})
	defer server.Abort()
	defer client.Abort()

	if err := client.WriteFrame(context.Background(), []byte("hello"), transport.FrameText, true); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	f := read(t, server)
	if f.Kind != transport.FrameText || !f.Final || string(f.Data) != "hello" {
		t.Errorf("unexpected frame %+v", f)
	}
}

// TestTCPFragmentsPreserveFlags checks kind and final bits survive the wire.
func TestTCPFragmentsPreserveFlags(t *testing.T) {
	server, client := connPair(t, transport.Options{})
	defer server.Abort()
	defer client.Abort()

	ctx := context.Background()
	client.WriteFrame(ctx, []byte{0x01}, transport.FrameBinary, false)
	client.WriteFrame(ctx, []byte{0x02}, transport.FrameBinary, true)

	first := read(t, server)
	second := read(t, server)

	if first.Kind != transport.FrameBinary || first.Final {
		t.Errorf("expected non-final binary frame, got %+v", first)
	}
	if second.Kind != transport.FrameBinary || !second.Final {
		t.Errorf("expected final binary frame, got %+v", second)
	}
}

func TestTCPEmptyPayload(t *testing.T) {
	server, client := connPair(t, transport.Options{})
	defer server.Abort()
	defer client.Abort()

	client.WriteFrame(context.Background(), nil, transport.FrameText, true)

	f := read(t, server)
	if len(f.Data) != 0 || !f.Final {
		t.Errorf("expected empty final frame, got %+v", f)
	}
}

func TestTCPCloseHandshake(t *testing.T) {
	server, client := connPair(t, transport.Options{})
	defer server.Abort()

	if err := client.Close("bye"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if client.Status() != transport.StatusClosed {
		t.Errorf("expected client closed, got %s", client.Status())
	}

	f := read(t, server)
	if f.Kind != transport.FrameClose || string(f.Data) != "bye" {
		t.Errorf("expected close frame with reason, got %+v", f)
	}
	if server.Status() != transport.StatusClosed {
		t.Errorf("expected server closed, got %s", server.Status())
	}
}

func TestTCPCloseIsIdempotent(t *testing.T) {
	server, client := connPair(t, transport.Options{})
	defer server.Abort()

	client.Close("")
	client.Close("")
	client.Close("")
}

func TestTCPWriteOnClosedReturnsError(t *testing.T) {
	server, client := connPair(t, transport.Options{})
	defer server.Abort()

	client.Abort()

	err := client.WriteFrame(context.Background(), []byte("x"), transport.FrameText, true)
	if !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestTCPReadHonorsContext(t *testing.T) {
	server, client := connPair(t, transport.Options{})
	defer server.Abort()
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := client.ReadFrame(ctx); err == nil {
		t.Fatal("expected error when context expires")
	}
	if time.Since(start) > time.Second {
		t.Error("ReadFrame did not return promptly after cancellation")
	}
}

func TestTCPFrameTooLarge(t *testing.T) {
	server, client := connPair(t, transport.Options{ReadLimit: 4})
	defer server.Abort()
	defer client.Abort()

	client.WriteFrame(context.Background(), []byte("too long"), transport.FrameText, true)

	_, err := server.ReadFrame(context.Background())
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestTCPRejectsOtherSchemes(t *testing.T) {
	a := New(transport.Options{}, nil)
	err := a.Connect(context.Background(), "ws://127.0.0.1:1", time.Second)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
	if a.Status() != transport.StatusAborted {
		t.Errorf("expected aborted, got %s", a.Status())
	}
}
