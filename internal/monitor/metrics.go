package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	GateDecisions     *prometheus.CounterVec
	QuarantinedTotal  prometheus.Counter
	CodeSizeBytes     prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scriptflow",
				Name:      "executions_total",
				Help:      "Total executions reaching a terminal state, by status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "scriptflow",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scriptflow",
				Name:      "gate_decisions_total",
				Help:      "Security gate decisions by verdict and severity.",
			},
			[]string{"verdict", "severity"},
		),

		QuarantinedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scriptflow",
				Name:      "quarantined_scripts_total",
				Help:      "Quarantine records created by the security gate.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "scriptflow",
				Name:      "code_size_bytes",
				Help:      "Size of submitted script source in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "scriptflow",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.GateDecisions,
		m.QuarantinedTotal,
		m.CodeSizeBytes,
		m.RequestsInFlight,
	)

	return m
}

// RegisterEngineGauges wires live engine state into the registry. Called once
// after the manager exists; GaugeFuncs read the values on scrape.
func (m *Metrics) RegisterEngineGauges(running, queued, eventsDropped func() float64) {
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "scriptflow",
			Name:      "active_executions",
			Help:      "Executions currently holding a run slot.",
		}, running),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "scriptflow",
			Name:      "queued_executions",
			Help:      "Executions waiting for a run slot.",
		}, queued),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "scriptflow",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}, eventsDropped),
	)
}
