package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the engine.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Capability execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Matcher metrics.
	MatchRequestsTotal prometheus.Counter
	MatchScore         prometheus.Histogram

	// Adapter metrics.
	AdapterRequestsTotal *prometheus.CounterVec
	AdapterTokensUsed    *prometheus.CounterVec

	// Sandbox metrics.
	SandboxSessionsActive    prometheus.Gauge
	SandboxExecutionsTotal   *prometheus.CounterVec
	DependencyInstallsTotal  *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// HTTP metrics for the daemon's serving surface.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "capability",
			Name:      "executions_total",
			Help:      "Total capability executions.",
		}, []string{"capability", "type", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "capability",
			Name:      "execution_duration_seconds",
			Help:      "Capability execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"capability", "type"}),

		MatchRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "matcher",
			Name:      "requests_total",
			Help:      "Total capability match requests.",
		}),

		MatchScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "matcher",
			Name:      "top_score",
			Help:      "Score of the best match per request.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),

		AdapterRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "adapter",
			Name:      "requests_total",
			Help:      "Total model adapter requests.",
		}, []string{"adapter", "status"}),

		AdapterTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "adapter",
			Name:      "tokens_used_total",
			Help:      "Total model tokens consumed.",
		}, []string{"adapter", "direction"}),

		SandboxSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "sessions_active",
			Help:      "Number of live sandbox sessions.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"backend", "status"}),

		DependencyInstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "dependency_installs_total",
			Help:      "Total sandbox dependency install attempts.",
		}, []string{"backend", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.MatchRequestsTotal,
		m.MatchScore,
		m.AdapterRequestsTotal,
		m.AdapterTokensUsed,
		m.SandboxSessionsActive,
		m.SandboxExecutionsTotal,
		m.DependencyInstallsTotal,
		m.SandboxExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// RecordExecution records the outcome of one capability execution.
// Nil-safe so callers need no metrics-enabled branch.
func (m *MetricsCollector) RecordExecution(capabilityID, execType string, success bool, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.ExecutionsTotal.WithLabelValues(capabilityID, execType, status).Inc()
	m.ExecutionDuration.WithLabelValues(capabilityID, execType).Observe(seconds)
}

// RecordMatch records one match request and its best score.
func (m *MetricsCollector) RecordMatch(topScore float64) {
	if m == nil {
		return
	}
	m.MatchRequestsTotal.Inc()
	m.MatchScore.Observe(topScore)
}
