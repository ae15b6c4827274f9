package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/risa-org/duplex/reconnect"
	"github.com/risa-org/duplex/transport"
	"github.com/risa-org/duplex/transport/gorilla"
	"github.com/risa-org/duplex/transport/tcp"
	"github.com/risa-org/duplex/transport/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "duplex.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoad_EmptyPath tests loading with only defaults
func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendWebsocket, cfg.Backend)
	assert.Equal(t, 1000, cfg.Queue.Limit)
	assert.Equal(t, 30*time.Minute, cfg.Queue.Expiry)
	assert.Equal(t, 80*time.Millisecond, cfg.Queue.Pacing)
	assert.Equal(t, StrategyExponential, cfg.Reconnect.Strategy)
	assert.Equal(t, time.Second, cfg.Reconnect.Min)
	assert.Equal(t, 60*time.Second, cfg.Reconnect.Max)
	assert.Equal(t, 15*time.Second, cfg.Monitor.HandshakeTimeout)
	assert.Equal(t, 10, cfg.Monitor.DrainPolls)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_ValidConfigFile(t *testing.T) {
	path := writeConfig(t, `
url = "wss://example.com/feed"
backend = "gorilla"

[logging]
level = "debug"

[queue]
limit = 5
expiry = "2m"
pacing = "10ms"

[reconnect]
strategy = "fixed"
delay = "250ms"
max_attempts = 3

[monitor]
handshake_timeout = "3s"

[transport]
subprotocols = ["chat"]
max_message_size = 4096

[transport.headers]
X-Api-Key = "secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://example.com/feed", cfg.URL)
	assert.Equal(t, BackendGorilla, cfg.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Queue.Limit)
	assert.Equal(t, 2*time.Minute, cfg.Queue.Expiry)
	assert.Equal(t, 10*time.Millisecond, cfg.Queue.Pacing)
	assert.Equal(t, StrategyFixed, cfg.Reconnect.Strategy)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.Delay)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Monitor.HandshakeTimeout)
	assert.Equal(t, []string{"chat"}, cfg.Transport.Subprotocols)
	assert.Equal(t, "secret", cfg.Transport.Headers["X-Api-Key"])
	assert.Equal(t, int64(4096), cfg.Transport.MaxMessageSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[queue]
limit = 5
`)
	t.Setenv("DUPLEX_QUEUE_LIMIT", "7")
	t.Setenv("DUPLEX_RECONNECT_MAX__ATTEMPTS", "4")
	t.Setenv("DUPLEX_MONITOR_POLL__INTERVAL", "50ms")
	t.Setenv("DUPLEX_BACKEND", "tcp")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Queue.Limit)
	assert.Equal(t, 4, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Monitor.PollInterval)
	assert.Equal(t, BackendTCP, cfg.Backend)
}

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/duplex.toml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to load config file")
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "[queue\nlimit = ")

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `backend = "carrier-pigeon"`)

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"DUPLEX_URL":                              "url",
		"DUPLEX_QUEUE_LIMIT":                      "queue.limit",
		"DUPLEX_RECONNECT_MAX__ATTEMPTS":          "reconnect.max_attempts",
		"DUPLEX_TRANSPORT_CA__FILE":               "transport.ca_file",
		"DUPLEX_TRANSPORT_INSECURE__SKIP__VERIFY": "transport.insecure_skip_verify",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Backend = "udp" }, "backend must be one of"},
		{"relative url", func(c *Config) { c.URL = "/feed" }, "url must be absolute"},
		{"negative queue limit", func(c *Config) { c.Queue.Limit = -1 }, "queue.limit"},
		{"unknown strategy", func(c *Config) { c.Reconnect.Strategy = "random" }, "reconnect.strategy"},
		{"zero min", func(c *Config) { c.Reconnect.Min = 0 }, "reconnect.min"},
		{"max below min", func(c *Config) { c.Reconnect.Max = time.Millisecond }, "reconnect.max"},
		{"factor of one", func(c *Config) { c.Reconnect.Factor = 1 }, "reconnect.factor"},
		{"negative fixed delay", func(c *Config) {
			c.Reconnect.Strategy = StrategyFixed
			c.Reconnect.Delay = -time.Second
		}, "reconnect.delay"},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -2 }, "reconnect.max_attempts"},
		{"cert without key", func(c *Config) { c.Transport.CertFile = "client.pem" }, "must be set together"},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBackendFactory(t *testing.T) {
	nop := zap.NewNop()

	f, err := BackendFactory(BackendWebsocket)
	require.NoError(t, err)
	assert.IsType(t, &websocket.Adapter{}, f(transport.Options{}, nop))

	f, err = BackendFactory(BackendGorilla)
	require.NoError(t, err)
	assert.IsType(t, &gorilla.Adapter{}, f(transport.Options{}, nop))

	f, err = BackendFactory(BackendTCP)
	require.NoError(t, err)
	assert.IsType(t, &tcp.Adapter{}, f(transport.Options{}, nop))

	_, err = BackendFactory("quic")
	assert.Error(t, err)
}

func TestStrategy(t *testing.T) {
	cfg := defaultConfig()
	assert.IsType(t, &reconnect.Exponential{}, cfg.Strategy())

	cfg.Reconnect.Strategy = StrategyFixed
	cfg.Reconnect.Delay = 20 * time.Millisecond
	s := cfg.Strategy()
	assert.Equal(t, 20*time.Millisecond, s.Next())

	cfg.Reconnect.MaxAttempts = 1
	s = cfg.Strategy()
	require.IsType(t, &reconnect.MaxAttempts{}, s)
	assert.False(t, reconnect.Exhausted(s))
	s.Next()
	assert.True(t, reconnect.Exhausted(s))
}

func TestTransportOptionsSortsHeaders(t *testing.T) {
	cfg := defaultConfig()
	cfg.Transport.Headers = map[string]string{"X-B": "2", "X-A": "1"}
	cfg.Transport.Subprotocols = []string{"v1"}

	opts, err := cfg.TransportOptions()
	require.NoError(t, err)
	assert.Equal(t, []transport.Header{{Name: "X-A", Value: "1"}, {Name: "X-B", Value: "2"}}, opts.Headers)
	assert.Equal(t, []string{"v1"}, opts.Subprotocols)
	assert.Equal(t, transport.DefaultReadChunkSize, opts.ReadChunkSize)
}

func TestTransportOptionsRejectsBadCAFile(t *testing.T) {
	cfg := defaultConfig()
	cfg.Transport.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err := cfg.TransportOptions()
	assert.ErrorContains(t, err, "transport.ca_file")

	cfg.Transport.CAFile = writeConfig(t, "not a certificate")
	_, err = cfg.TransportOptions()
	assert.ErrorContains(t, err, "holds no certificates")
}

func TestClientOptions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.Limit = 3
	cfg.Queue.Pacing = -1
	cfg.Monitor.DispatchTimeout = 10 * time.Millisecond
	cfg.Transport.MaxMessageSize = 1 << 10

	reg := prometheus.NewRegistry()
	opts, err := cfg.ClientOptions(zap.NewNop(), reg)
	require.NoError(t, err)

	assert.Equal(t, 3, opts.QueueLimit)
	assert.Equal(t, time.Duration(-1), opts.SendPacing)
	assert.Equal(t, 10*time.Millisecond, opts.DispatchTimeout)
	assert.Equal(t, int64(1<<10), opts.MaxMessageSize)
	assert.NotNil(t, opts.Factory)
	assert.NotNil(t, opts.Strategy)
	assert.NotNil(t, opts.Metrics)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	opts, err = cfg.ClientOptions(zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Nil(t, opts.Metrics)
}
