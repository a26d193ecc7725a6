package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestObservability_NilAccessors(t *testing.T) {
	var obs *Observability
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- Metrics ---

func TestMetrics_Created(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vector metrics only appear in Gather after first use.
	m.AuthAttempts.WithLabelValues("api_token", "success").Inc()
	m.Commands.WithLabelValues("git", "completed").Inc()
	m.PolicyRejections.WithLabelValues("blocked").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sanduku_auth_attempts_total",
		"sanduku_command_executions_total",
		"sanduku_policy_rejections_total",
		"sanduku_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetrics_RecordAndGather(t *testing.T) {
	m := NewMetrics()

	m.Commands.WithLabelValues("git", "completed").Inc()
	m.Commands.WithLabelValues("git", "completed").Inc()
	m.Commands.WithLabelValues("git", "failed").Inc()

	if got := counterValue(t, m.Registry, "sanduku_command_executions_total", prometheus.Labels{"command": "git", "status": "completed"}); got != 2 {
		t.Errorf("completed count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "sanduku_command_executions_total", prometheus.Labels{"command": "git", "status": "failed"}); got != 1 {
		t.Errorf("failed count = %v, want 1", got)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("audit", func(ctx context.Context) error { return nil })
	h.AddCheck("sandbox_root", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["audit"].Status != "ok" {
		t.Errorf("audit check = %q, want ok", status.Checks["audit"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("audit", func(ctx context.Context) error { return errors.New("disk full") })
	h.AddCheck("sandbox_root", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["audit"].Status != "fail" {
		t.Errorf("audit check = %q, want fail", status.Checks["audit"].Status)
	}
	if status.Checks["sandbox_root"].Status != "ok" {
		t.Errorf("sandbox_root check = %q, want ok", status.Checks["sandbox_root"].Status)
	}
}

func TestHealthChecker_ReplacesCheckByName(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("audit", func(ctx context.Context) error { return errors.New("down") })
	h.AddCheck("audit", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok after re-registration", status.Status)
	}
	if len(status.Checks) != 1 {
		t.Errorf("checks = %d, want 1", len(status.Checks))
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- Tracing ---

func TestNewTracing_Disabled(t *testing.T) {
	for _, cfg := range []*config.TracingConfig{nil, {}} {
		tr, err := NewTracing(cfg)
		if err != nil {
			t.Fatalf("NewTracing(%v): %v", cfg, err)
		}
		if tr != nil {
			t.Errorf("NewTracing(%v) = %v, want nil", cfg, tr)
		}
	}
}

func TestTracing_NilIsNoop(t *testing.T) {
	var tr *Tracing
	if tr.Tracer() == nil {
		t.Error("nil Tracing must still hand out a tracer")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil: %v", err)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
}

func TestAnomalyDetector_WindowCounts(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("command_git")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("command_git")
	}

	a.mu.Lock()
	errs := a.errorCounts["command_git"].sum()
	successes := a.successCounts["command_git"].sum()
	a.mu.Unlock()

	if errs != 6 {
		t.Errorf("errors = %v, want 6", errs)
	}
	if successes != 4 {
		t.Errorf("successes = %v, want 4", successes)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "sanduku_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
