package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const checkDeadline = 3 * time.Second

// CheckFunc probes one dependency, nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker answers liveness and readiness probes. Liveness is
// unconditional; readiness aggregates the registered dependency checks.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	logger *slog.Logger
}

// HealthStatus is the JSON body for the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]CheckFunc),
		logger: logger,
	}
}

// AddCheck registers a dependency under the given name. A repeated name
// replaces the earlier check.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// CheckHealth is the liveness answer: "ok" whenever the process can respond.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check under a shared deadline. The
// aggregate is "ok" only when all checks pass; one failure degrades it,
// and each failure is logged with the check's name.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	snapshot := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		snapshot[name] = check
	}
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		return HealthStatus{Status: "ok"}
	}

	ctx, cancel := context.WithTimeout(ctx, checkDeadline)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(snapshot)),
	}
	for name, check := range snapshot {
		err := check(ctx)
		if err == nil {
			status.Checks[name] = CheckResult{Status: "ok"}
			continue
		}
		status.Status = "degraded"
		status.Checks[name] = CheckResult{Status: "fail", Message: err.Error()}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return status
}
