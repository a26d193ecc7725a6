// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, and anomaly detection for Sanduku.
// All components are optional and nil-safe: when disabled, callers skip
// recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/sanduku/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *Metrics
	Tracer  *Tracing
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetrics()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracing(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	// Health checker is always created; checks are added during wiring.
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// MetricsOrNil returns the metrics collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the tracing pipeline or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *Tracing {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}
