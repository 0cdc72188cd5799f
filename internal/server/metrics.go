package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fanout"

// Reasons a client session ends, used as the "reason" label.
const (
	reasonClosed = "closed"
	reasonLagged = "lagged"
	reasonWrite  = "write_error"
)

// Metrics holds the collectors updated by a Controller.
type Metrics struct {
	running          prometheus.Gauge
	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	acceptErrors     prometheus.Counter
	bindErrors       prometheus.Counter
	broadcastsTotal  prometheus.Counter
	broadcastBytes   prometheus.Counter
	broadcastDropped prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests and embedders that do not
// export metrics want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "server_running",
			Help:      "Whether the TCP fan-out server is started (1) or stopped (0)",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of connected client sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted client sessions",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of ended client sessions by reason",
		}, []string{"reason"}),
		acceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accepts",
		}),
		bindErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bind_errors_total",
			Help:      "Total number of failed attempts to bind the listening port",
		}),
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Total number of payloads published to connected clients",
		}),
		broadcastBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_bytes_total",
			Help:      "Total number of payload bytes published",
		}),
		broadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_dropped_total",
			Help:      "Total number of payloads discarded because the server was not running",
		}),
	}
}

func (m *Metrics) sessionStarted() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionEnded(reason string) {
	m.sessionsActive.Dec()
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) published(size int) {
	m.broadcastsTotal.Inc()
	m.broadcastBytes.Add(float64(size))
}
