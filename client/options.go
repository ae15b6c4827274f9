package client

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/risa-org/duplex/handshake"
	"github.com/risa-org/duplex/metrics"
	"github.com/risa-org/duplex/queue"
	"github.com/risa-org/duplex/reconnect"
	"github.com/risa-org/duplex/transport"
	"github.com/risa-org/duplex/transport/sender"
	"github.com/risa-org/duplex/transport/websocket"
	"go.uber.org/zap"
)

// Defaults applied to zero Options fields.
const (
	DefaultMessageExpiry      = 30 * time.Minute
	DefaultStatusPollInterval = 200 * time.Millisecond
	DefaultDrainPolls         = 10
	DefaultDrainPollInterval  = time.Second
	DefaultDispatchTimeout    = 50 * time.Millisecond
)

// Options are fixed when the client is created.
type Options struct {
	// QueueLimit caps the number of messages waiting to be sent.
	QueueLimit int
	// MessageExpiry drops messages that waited longer. Negative disables expiry.
	MessageExpiry time.Duration
	// SendPacing is the pause after each write. Negative disables pacing.
	SendPacing time.Duration
	// Strategy decides the delay between connection attempts.
	Strategy reconnect.Strategy
	// HandshakeTimeout bounds each connect attempt.
	HandshakeTimeout time.Duration

	StatusPollInterval time.Duration
	DrainPolls         int
	DrainPollInterval  time.Duration
	// DispatchTimeout is how long a single event waits for its subscribers.
	DispatchTimeout time.Duration
	// MaxMessageSize caps reassembled inbound messages; zero means no cap.
	MaxMessageSize int64

	Transport transport.Options
	// Factory creates one adapter per connect attempt. Defaults to the
	// nhooyr websocket backend.
	Factory transport.Factory

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.QueueLimit <= 0 {
		o.QueueLimit = queue.DefaultLimit
	}
	switch {
	case o.MessageExpiry == 0:
		o.MessageExpiry = DefaultMessageExpiry
	case o.MessageExpiry < 0:
		o.MessageExpiry = 0
	}
	switch {
	case o.SendPacing == 0:
		o.SendPacing = sender.DefaultPacing
	case o.SendPacing < 0:
		o.SendPacing = 0
	}
	if o.Strategy == nil {
		o.Strategy = reconnect.NewExponential(reconnect.DefaultConfig())
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = handshake.DefaultTimeout
	}
	if o.StatusPollInterval <= 0 {
		o.StatusPollInterval = DefaultStatusPollInterval
	}
	if o.DrainPolls <= 0 {
		o.DrainPolls = DefaultDrainPolls
	}
	if o.DrainPollInterval <= 0 {
		o.DrainPollInterval = DefaultDrainPollInterval
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.Factory == nil {
		o.Factory = websocket.Factory
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	o.Transport.Headers = append([]transport.Header(nil), o.Transport.Headers...)
	o.Transport.Subprotocols = append([]string(nil), o.Transport.Subprotocols...)
	return o
}

// drainBound is the longest teardown waits for the loops to stop.
func (o Options) drainBound() time.Duration {
	return time.Duration(o.DrainPolls) * o.DrainPollInterval
}
