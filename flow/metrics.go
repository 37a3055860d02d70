package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	reg prometheus.Registerer

	executions   *prometheus.CounterVec
	inflight     prometheus.Gauge
	nodeDuration *prometheus.HistogramVec
	nodeRetries  prometheus.Counter
}

// NewMetrics registers the engine instruments on reg and returns them.
// Register at most once per registry; a second call with the same registry
// panics, as promauto does.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canal_executions_total",
			Help: "Workflow executions finished, by terminal status.",
		}, []string{"status"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canal_executions_inflight",
			Help: "Workflow executions currently running.",
		}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canal_node_duration_seconds",
			Help:    "Node run duration from dispatch to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind", "status"}),
		nodeRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "canal_node_retries_total",
			Help: "Node attempts beyond the first.",
		}),
	}
}

// observeDrops registers counters that surface event and log drops from
// the broadcast hub and the journal writers. Called once by the engine,
// after it knows where the counters live.
func (m *Metrics) observeDrops(events, logs func() float64) {
	if m == nil {
		return
	}
	factory := promauto.With(m.reg)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "canal_broadcast_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	}, events)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "canal_journal_dropped_logs_total",
		Help: "Log entries dropped after journal write retries were exhausted.",
	}, logs)
}

func (m *Metrics) execStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) execFinished(status string) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.executions.WithLabelValues(status).Inc()
}

func (m *Metrics) nodeFinished(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

func (m *Metrics) nodeRetried() {
	if m == nil {
		return
	}
	m.nodeRetries.Inc()
}
