// Package config loads duplexctl and client settings from a TOML file and
// DUPLEX_ prefixed environment variables.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/risa-org/duplex/client"
	"github.com/risa-org/duplex/handshake"
	"github.com/risa-org/duplex/logger"
	"github.com/risa-org/duplex/metrics"
	"github.com/risa-org/duplex/queue"
	"github.com/risa-org/duplex/reconnect"
	"github.com/risa-org/duplex/transport"
	"github.com/risa-org/duplex/transport/gorilla"
	"github.com/risa-org/duplex/transport/sender"
	"github.com/risa-org/duplex/transport/tcp"
	"github.com/risa-org/duplex/transport/websocket"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix for environment variables read by Load
const EnvPrefix = "DUPLEX_"

// Backend names accepted in Config.Backend
const (
	BackendWebsocket = "websocket"
	BackendGorilla   = "gorilla"
	BackendTCP       = "tcp"
)

// Reconnect strategy names
const (
	StrategyExponential = "exponential"
	StrategyFixed       = "fixed"
)

// Config holds all configuration for a client
type Config struct {
	URL       string          `koanf:"url"`
	Backend   string          `koanf:"backend"`
	Logging   logger.Config   `koanf:"logging"`
	Queue     QueueConfig     `koanf:"queue"`
	Reconnect ReconnectConfig `koanf:"reconnect"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Transport TransportConfig `koanf:"transport"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// QueueConfig holds outbound queue settings. A negative Expiry or Pacing
// disables it.
type QueueConfig struct {
	Limit  int           `koanf:"limit"`
	Expiry time.Duration `koanf:"expiry"`
	Pacing time.Duration `koanf:"pacing"`
}

// ReconnectConfig selects and tunes the reconnect strategy
type ReconnectConfig struct {
	Strategy string        `koanf:"strategy"`
	Min      time.Duration `koanf:"min"`
	Max      time.Duration `koanf:"max"`
	Factor   float64       `koanf:"factor"`
	Jitter   bool          `koanf:"jitter"`
	// Delay is used by the fixed strategy
	Delay time.Duration `koanf:"delay"`
	// MaxAttempts caps retries; zero retries forever
	MaxAttempts int `koanf:"max_attempts"`
}

// MonitorConfig holds connection monitor timings
type MonitorConfig struct {
	HandshakeTimeout  time.Duration `koanf:"handshake_timeout"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	DrainPolls        int           `koanf:"drain_polls"`
	DrainPollInterval time.Duration `koanf:"drain_poll_interval"`
	DispatchTimeout   time.Duration `koanf:"dispatch_timeout"`
}

// TransportConfig is the file form of transport.Options
type TransportConfig struct {
	InsecureSkipVerify bool              `koanf:"insecure_skip_verify"`
	CAFile             string            `koanf:"ca_file"`
	CertFile           string            `koanf:"cert_file"`
	KeyFile            string            `koanf:"key_file"`
	Proxy              string            `koanf:"proxy"`
	Subprotocols       []string          `koanf:"subprotocols"`
	Headers            map[string]string `koanf:"headers"`
	ReadChunkSize      int               `koanf:"read_chunk_size"`
	ReadLimit          int64             `koanf:"read_limit"`
	MaxMessageSize     int64             `koanf:"max_message_size"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Load reads configuration from the TOML file at path, if any, then from
// the environment. Environment variables map by lower-casing the name after
// the prefix and turning "_" into "." and "__" into "_", so
// DUPLEX_RECONNECT_MAX__ATTEMPTS sets reconnect.max_attempts.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func defaultConfig() *Config {
	return &Config{
		Backend: BackendWebsocket,
		Queue: QueueConfig{
			Limit:  queue.DefaultLimit,
			Expiry: client.DefaultMessageExpiry,
			Pacing: sender.DefaultPacing,
		},
		Reconnect: ReconnectConfig{
			Strategy: StrategyExponential,
			Min:      reconnect.DefaultMin,
			Max:      reconnect.DefaultMax,
			Factor:   reconnect.DefaultFactor,
			Jitter:   true,
			Delay:    reconnect.DefaultMin,
		},
		Monitor: MonitorConfig{
			HandshakeTimeout:  handshake.DefaultTimeout,
			PollInterval:      client.DefaultStatusPollInterval,
			DrainPolls:        client.DefaultDrainPolls,
			DrainPollInterval: client.DefaultDrainPollInterval,
			DispatchTimeout:   client.DefaultDispatchTimeout,
		},
		Transport: TransportConfig{
			ReadChunkSize: transport.DefaultReadChunkSize,
			ReadLimit:     transport.DefaultReadLimit,
		},
		Metrics: MetricsConfig{Addr: ":9464"},
	}
}

// Validate checks values that cannot be repaired by defaulting
func (c *Config) Validate() error {
	if _, err := BackendFactory(c.Backend); err != nil {
		return err
	}
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("url must be absolute, got: %s", c.URL)
		}
	}
	if c.Queue.Limit < 0 {
		return fmt.Errorf("queue.limit must not be negative, got: %d", c.Queue.Limit)
	}

	switch c.Reconnect.Strategy {
	case StrategyExponential:
		if c.Reconnect.Min <= 0 {
			return fmt.Errorf("reconnect.min must be positive, got: %s", c.Reconnect.Min)
		}
		if c.Reconnect.Max < c.Reconnect.Min {
			return fmt.Errorf("reconnect.max (%s) must not be below reconnect.min (%s)", c.Reconnect.Max, c.Reconnect.Min)
		}
		if c.Reconnect.Factor <= 1 {
			return fmt.Errorf("reconnect.factor must be greater than 1, got: %g", c.Reconnect.Factor)
		}
	case StrategyFixed:
		if c.Reconnect.Delay < 0 {
			return fmt.Errorf("reconnect.delay must not be negative, got: %s", c.Reconnect.Delay)
		}
	default:
		return fmt.Errorf("reconnect.strategy must be one of: %s, %s, got: %s",
			StrategyExponential, StrategyFixed, c.Reconnect.Strategy)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative, got: %d", c.Reconnect.MaxAttempts)
	}

	if (c.Transport.CertFile == "") != (c.Transport.KeyFile == "") {
		return errors.New("transport.cert_file and transport.key_file must be set together")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// BackendFactory maps a backend name to its adapter factory
func BackendFactory(name string) (transport.Factory, error) {
	switch name {
	case BackendWebsocket, "":
		return websocket.Factory, nil
	case BackendGorilla:
		return gorilla.Factory, nil
	case BackendTCP:
		return tcp.Factory, nil
	default:
		return nil, fmt.Errorf("backend must be one of: %s, %s, %s, got: %s",
			BackendWebsocket, BackendGorilla, BackendTCP, name)
	}
}

// Strategy builds the configured reconnect strategy
func (c *Config) Strategy() reconnect.Strategy {
	var s reconnect.Strategy
	if c.Reconnect.Strategy == StrategyFixed {
		s = reconnect.NewFixed(c.Reconnect.Delay)
	} else {
		s = reconnect.NewExponential(reconnect.Config{
			Min:    c.Reconnect.Min,
			Max:    c.Reconnect.Max,
			Factor: c.Reconnect.Factor,
			Jitter: c.Reconnect.Jitter,
		})
	}
	if c.Reconnect.MaxAttempts > 0 {
		return reconnect.WithMaxAttempts(s, c.Reconnect.MaxAttempts)
	}
	return s
}

// TransportOptions loads certificate files and flattens headers. Header
// order follows the sorted header names.
func (c *Config) TransportOptions() (transport.Options, error) {
	t := c.Transport
	opts := transport.Options{
		InsecureSkipVerify: t.InsecureSkipVerify,
		Proxy:              t.Proxy,
		Subprotocols:       slices.Clone(t.Subprotocols),
		ReadChunkSize:      t.ReadChunkSize,
		ReadLimit:          t.ReadLimit,
	}
	for _, name := range slices.Sorted(maps.Keys(t.Headers)) {
		opts.Headers = append(opts.Headers, transport.Header{Name: name, Value: t.Headers[name]})
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return transport.Options{}, fmt.Errorf("failed to read transport.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return transport.Options{}, fmt.Errorf("transport.ca_file %s holds no certificates", t.CAFile)
		}
		opts.RootCAs = pool
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return transport.Options{}, fmt.Errorf("failed to load client certificate: %w", err)
		}
		opts.ClientCertificates = []tls.Certificate{cert}
	}
	return opts, nil
}

// ClientOptions builds client.Options from the configuration. Metrics are
// registered with reg when it is not nil.
func (c *Config) ClientOptions(log *zap.Logger, reg prometheus.Registerer) (client.Options, error) {
	factory, err := BackendFactory(c.Backend)
	if err != nil {
		return client.Options{}, err
	}
	topts, err := c.TransportOptions()
	if err != nil {
		return client.Options{}, err
	}

	opts := client.Options{
		QueueLimit:         c.Queue.Limit,
		MessageExpiry:      c.Queue.Expiry,
		SendPacing:         c.Queue.Pacing,
		Strategy:           c.Strategy(),
		HandshakeTimeout:   c.Monitor.HandshakeTimeout,
		StatusPollInterval: c.Monitor.PollInterval,
		DrainPolls:         c.Monitor.DrainPolls,
		DrainPollInterval:  c.Monitor.DrainPollInterval,
		DispatchTimeout:    c.Monitor.DispatchTimeout,
		MaxMessageSize:     c.Transport.MaxMessageSize,
		Transport:          topts,
		Factory:            factory,
		Logger:             log,
	}
	if reg != nil {
		opts.Metrics = metrics.New(reg)
	}
	return opts, nil
}
