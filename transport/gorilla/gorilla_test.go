package gorilla

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/risa-org/duplex/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialPair(t *testing.T, opts transport.Options) (*Adapter, *Adapter) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade failed: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	client := New(opts, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, client.Connect(context.Background(), wsURL, 2*time.Second))

	return Wrap(<-serverConnCh, opts, nil), client
}

func TestGorillaRoundTrip(t *testing.T) {
	server, client := dialPair(t, transport.Options{})
	defer server.Abort()
	defer client.Abort()

	require.Equal(t, transport.StatusOpen, client.Status())
	require.NoError(t, client.WriteFrame(context.Background(), []byte("hello"), transport.FrameText, true))

	f, err := server.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transport.FrameText, f.Kind)
	assert.True(t, f.Final)
	assert.Equal(t, "hello", string(f.Data))
}

func TestGorillaChunkedBinary(t *testing.T) {
	server, client := dialPair(t, transport.Options{ReadChunkSize: 3})
	defer server.Abort()
	defer client.Abort()

	ctx := context.Background()
	require.NoError(t, client.WriteFrame(ctx, []byte{1, 2, 3, 4}, transport.FrameBinary, false))
	require.NoError(t, client.WriteFrame(ctx, []byte{5, 6, 7}, transport.FrameBinary, true))

	var got []byte
	for {
		f, err := server.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, transport.FrameBinary, f.Kind)
		got = append(got, f.Data...)
		if f.Final {
			break
		}
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, got)
}

func TestGorillaPeerClose(t *testing.T) {
	server, client := dialPair(t, transport.Options{})
	defer server.Abort()

	require.NoError(t, client.Close("done"))
	assert.Equal(t, transport.StatusClosed, client.Status())

	f, err := server.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transport.FrameClose, f.Kind)
	assert.Equal(t, "done", string(f.Data))
	assert.Equal(t, transport.StatusClosed, server.Status())
}

func TestGorillaReadHonorsContext(t *testing.T) {
	server, client := dialPair(t, transport.Options{})
	defer server.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.ReadFrame(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrTransportClosed))
	assert.Equal(t, transport.StatusAborted, client.Status())
}
