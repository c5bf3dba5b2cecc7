package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for checkbench.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Analyzer run metrics.
	ToolRunsTotal        *prometheus.CounterVec
	ToolRunDuration      *prometheus.HistogramVec
	ResultCacheHitsTotal *prometheus.CounterVec

	// Dependency installer metrics.
	InstallsTotal   *prometheus.CounterVec
	InstallDuration prometheus.Histogram

	// Executor metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Session metrics.
	SessionsActive      prometheus.Gauge
	SessionsReapedTotal prometheus.Counter

	// Streaming metrics.
	StreamDisconnectsTotal *prometheus.CounterVec
	RateLimitedTotal       prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkbench",
			Subsystem: "tool",
			Name:      "runs_total",
			Help:      "Total analyzer runs by outcome.",
		}, []string{"tool", "status"}),

		ToolRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkbench",
			Subsystem: "tool",
			Name:      "run_duration_seconds",
			Help:      "Analyzer run duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),

		ResultCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkbench",
			Subsystem: "result_cache",
			Name:      "hits_total",
			Help:      "Analyzer results served from the result cache.",
		}, []string{"tool"}),

		InstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkbench",
			Subsystem: "install",
			Name:      "total",
			Help:      "Dependency installations by outcome.",
		}, []string{"status"}),

		InstallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "checkbench",
			Subsystem: "install",
			Name:      "duration_seconds",
			Help:      "Dependency installation duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkbench",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total child process executions.",
		}, []string{"type", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkbench",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Child process execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"type"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "checkbench",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live sessions.",
		}),

		SessionsReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "checkbench",
			Subsystem: "sessions",
			Name:      "reaped_total",
			Help:      "Idle sessions removed by the reaper.",
		}),

		StreamDisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkbench",
			Subsystem: "stream",
			Name:      "disconnects_total",
			Help:      "Result streams whose client went away before completion.",
		}, []string{"transport"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "checkbench",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Analysis requests rejected by the rate limiter.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkbench",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkbench",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "checkbench",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ToolRunsTotal,
		m.ToolRunDuration,
		m.ResultCacheHitsTotal,
		m.InstallsTotal,
		m.InstallDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SessionsActive,
		m.SessionsReapedTotal,
		m.StreamDisconnectsTotal,
		m.RateLimitedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordToolRun counts one analyzer result. status is "ok", "findings",
// "not_found", "timeout" or "internal" depending on the return code.
func (m *MetricsCollector) RecordToolRun(tool string, returnCode int, seconds float64, cached bool) {
	if m == nil {
		return
	}
	m.ToolRunsTotal.WithLabelValues(tool, RunStatus(returnCode)).Inc()
	if cached {
		m.ResultCacheHitsTotal.WithLabelValues(tool).Inc()
		return
	}
	m.ToolRunDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordInstall counts one dependency installation that actually ran.
func (m *MetricsCollector) RecordInstall(returnCode int, seconds float64) {
	if m == nil {
		return
	}
	m.InstallsTotal.WithLabelValues(RunStatus(returnCode)).Inc()
	m.InstallDuration.Observe(seconds)
}

// RecordDisconnect counts a stream abandoned by its client.
func (m *MetricsCollector) RecordDisconnect(transport string) {
	if m == nil {
		return
	}
	m.StreamDisconnectsTotal.WithLabelValues(transport).Inc()
}

// RunStatus maps a process return code onto a metric label.
func RunStatus(returnCode int) string {
	switch {
	case returnCode == 0:
		return "ok"
	case returnCode == -1:
		return "not_found"
	case returnCode == -2:
		return "timeout"
	case returnCode < 0:
		return "internal"
	default:
		return "findings"
	}
}
