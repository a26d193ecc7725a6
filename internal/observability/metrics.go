package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for Sanduku.
// Uses a custom registry, no global state.
type Metrics struct {
	Registry *prometheus.Registry

	// Authentication metrics.
	AuthAttempts   *prometheus.CounterVec
	ActiveSessions prometheus.Gauge

	// Sandbox metrics.
	ActiveSandboxes prometheus.Gauge

	// Command execution metrics.
	Commands         *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	PolicyRejections *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetrics creates a Metrics collector with all metrics registered
// on a custom prometheus.Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total authentication attempts.",
		}, []string{"method", "result"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "auth",
			Name:      "active_sessions",
			Help:      "Number of currently active sessions.",
		}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "active_total",
			Help:      "Number of currently provisioned sandboxes.",
		}),

		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Total command executions by terminal status.",
		}, []string{"command", "status"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "command",
			Name:      "execution_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"command"}),

		PolicyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "policy",
			Name:      "rejections_total",
			Help:      "Total commands rejected by the execution policy.",
		}, []string{"reason"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.AuthAttempts,
		m.ActiveSessions,
		m.ActiveSandboxes,
		m.Commands,
		m.CommandDuration,
		m.PolicyRejections,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}
