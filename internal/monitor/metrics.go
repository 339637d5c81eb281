package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunErrors        *prometheus.CounterVec
	ActiveRuns       *prometheus.GaugeVec
	SecurityEvents   *prometheus.CounterVec
	HistoryWrites    *prometheus.CounterVec
	StreamClients    prometheus.Gauge
	RequestsInFlight prometheus.Gauge
	CodeSizeBytes    prometheus.Histogram
	OutputLines      *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "runs_total",
				Help:      "Total number of runs by engine and outcome.",
			},
			[]string{"engine", "outcome"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"engine"},
		),

		RunErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "run_errors_total",
				Help:      "Total run failures by type.",
			},
			[]string{"type"},
		),

		ActiveRuns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "coderunner",
				Name:      "active_runs",
				Help:      "Number of runs currently executing.",
			},
			[]string{"engine"},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "security_events_total",
				Help:      "Suspicious patterns found in submitted code or output.",
			},
			[]string{"type"},
		),

		HistoryWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Subsystem: "history",
				Name:      "operations_total",
				Help:      "History store operations by kind and result.",
			},
			[]string{"op", "result"},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coderunner",
				Subsystem: "ws",
				Name:      "connections",
				Help:      "Number of open streaming connections.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coderunner",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputLines: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "output_lines",
				Help:      "Number of output lines produced per run.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"engine"},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunErrors,
		m.ActiveRuns,
		m.SecurityEvents,
		m.HistoryWrites,
		m.StreamClients,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputLines,
	)

	return m
}

// RecordRun records metrics for a finished run.
func (m *Metrics) RecordRun(engine, outcome string, durationSec float64, lines int) {
	m.RunsTotal.WithLabelValues(engine, outcome).Inc()
	m.RunDuration.WithLabelValues(engine).Observe(durationSec)
	m.OutputLines.WithLabelValues(engine).Observe(float64(lines))
}

// RecordError records a run failure by type.
func (m *Metrics) RecordError(errType string) {
	m.RunErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// RecordHistory records the result of a history store operation. It matches
// the history.Recorder observer signature.
func (m *Metrics) RecordHistory(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.HistoryWrites.WithLabelValues(op, result).Inc()
}
