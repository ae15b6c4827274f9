// Package metrics exposes Prometheus collectors for a duplex client.
//
// All methods are safe on a nil *Metrics, so callers that do not want
// metrics simply pass nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "duplex"

// Rejection reasons for MessagesRejected.
const (
	RejectQueueFull = "queue_full"
	RejectNotOpen   = "not_open"
)

// Metrics holds the collectors of one client.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ConnectsTotal     prometheus.Counter
	HandshakeFailures *prometheus.CounterVec
	ReconnectsTotal   prometheus.Counter
	MessagesSent      prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec
	MessagesExpired   prometheus.Counter
	SendFailures      prometheus.Counter
	QueueLength       prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection monitor state (0 idle, 1 connecting, 2 open, 3 closing, 4 reconnecting, 5 stopped)",
		}),
		ConnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total number of successful handshakes",
		}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of failed handshake attempts",
		}, []string{"reason"}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnect cycles started after a drop",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages written to the transport",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages by kind",
		}, []string{"kind"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Total number of Send calls rejected",
		}, []string{"reason"}),
		MessagesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_expired_total",
			Help:      "Total number of queued messages dropped for age",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed transport writes",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Number of messages waiting in the send queue",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.ConnectsTotal,
			m.HandshakeFailures,
			m.ReconnectsTotal,
			m.MessagesSent,
			m.MessagesReceived,
			m.MessagesRejected,
			m.MessagesExpired,
			m.SendFailures,
			m.QueueLength,
		)
	}
	return m
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.ConnectsTotal.Inc()
}

func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.HandshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconnecting() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

func (m *Metrics) Sent(queueLen int) {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
	m.QueueLength.Set(float64(queueLen))
}

func (m *Metrics) Received(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Expired(queueLen int) {
	if m == nil {
		return
	}
	m.MessagesExpired.Inc()
	m.QueueLength.Set(float64(queueLen))
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

func (m *Metrics) Queued(queueLen int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(queueLen))
}
