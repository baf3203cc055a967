// Package metrics provides Prometheus metrics for the tunnel agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dsvpn"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Session lifecycle
	SessionsActive      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	SessionTerminations *prometheus.CounterVec

	// Handshake
	HandshakeLatency  prometheus.Histogram
	HandshakeFailures *prometheus.CounterVec

	// Data plane
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	PacketsDropped *prometheus.CounterVec

	// Security
	ReplayRejections prometheus.Counter
	AuthFailures     prometheus.Counter

	// Reconnect (client only)
	ReconnectAttempts prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered on the global registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently live sessions (0 or 1)",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions that reached the Live state",
		}),
		SessionTerminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_terminations_total",
			Help:      "Total session terminations by reason",
		}, []string{"reason"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of successful handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total handshake failures by reason",
		}, []string{"reason"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total plaintext bytes written to the peer socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total plaintext bytes injected into the tunnel device",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total tunnel packets dropped by reason",
		}, []string{"reason"}),

		ReplayRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_rejections_total",
			Help:      "Total frames rejected by the replay window",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total frames rejected for AEAD authentication failure",
		}),

		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total client reconnect attempts",
		}),
	}
}

// RecordSessionLive records a session reaching the Live state.
func (m *Metrics) RecordSessionLive(handshakeSeconds float64) {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
	m.HandshakeLatency.Observe(handshakeSeconds)
}

// RecordSessionEnd records a session leaving the Live state.
func (m *Metrics) RecordSessionEnd(reason string) {
	m.SessionsActive.Dec()
	m.SessionTerminations.WithLabelValues(reason).Inc()
}

// RecordHandshakeFailure records a failed handshake.
func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.HandshakeFailures.WithLabelValues(reason).Inc()
}

// RecordFrameSent records an outbound frame and its plaintext size.
func (m *Metrics) RecordFrameSent(frameType string, plaintextLen int) {
	m.FramesSent.WithLabelValues(frameType).Inc()
	m.BytesSent.Add(float64(plaintextLen))
}

// RecordFrameReceived records an inbound frame and its plaintext size.
func (m *Metrics) RecordFrameReceived(frameType string, plaintextLen int) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
	m.BytesReceived.Add(float64(plaintextLen))
}

// RecordPacketDropped records a tunnel packet dropped instead of queued.
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordReplayRejection records a replayed frame.
func (m *Metrics) RecordReplayRejection() {
	m.ReplayRejections.Inc()
}

// RecordAuthFailure records an AEAD authentication failure.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordReconnectAttempt records a client reconnect attempt.
func (m *Metrics) RecordReconnectAttempt() {
	m.ReconnectAttempts.Inc()
}
