// Package httpapi implements the HTTP API gateway for Sanduku.
//
// Security:
//   - Session authentication on every /v1 request (256-bit random ids)
//   - Uniform 401 for unknown and expired sessions
//   - Request body size limits (default 1 MB)
//   - Per-session rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/auth"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Context keys set by the session middleware.
const (
	ctxSessionID = "sessionID"
	ctxUsername  = "username"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8000"
	EnableDocs     bool
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	AdminUsers     []string // Usernames allowed on /v1/admin endpoints.

	// Observability
	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics.
	MetricsPath     string                       // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Health checker for /readyz.
	Metrics         *observability.Metrics       // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                 // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions *auth.Manager
	alloc    *sandbox.Allocator
	exec     *executor.Executor
	auditLog *audit.Log
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	admins map[string]struct{}

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sessions *auth.Manager, alloc *sandbox.Allocator, exec *executor.Executor, auditLog *audit.Log, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	admins := make(map[string]struct{}, len(cfg.AdminUsers))
	for _, u := range cfg.AdminUsers {
		admins[u] = struct{}{}
	}
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		alloc:    alloc,
		exec:     exec,
		auditLog: auditLog,
		limiter:  rl,
		logger:   logger,
		admins:   admins,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Login and logout live outside the authenticated group: login has no
	// session yet, and logout of a dead session must still answer 200.
	g.okapi.Post("/auth/login", g.handleLogin,
		okapi.DocSummary("Authenticate and provision a sandboxed session"),
		okapi.DocTags("Auth"),
		okapi.DocRequestBody(LoginRequest{}),
		okapi.DocResponse(LoginResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.okapi.Post("/auth/logout", g.handleLogout,
		okapi.DocSummary("End the session and destroy its sandbox"),
		okapi.DocTags("Auth"),
		okapi.DocResponse(LogoutResponse{}),
	)

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Get("/session", g.handleSessionInfo,
		okapi.DocSummary("Describe the calling session"),
		okapi.DocTags("Session"),
		okapi.DocResponse(SessionInfoResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sandbox", g.handleSandboxInfo,
		okapi.DocSummary("Describe the session's sandbox"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(sandbox.Sandbox{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/commands/execute", g.handleExecute,
		okapi.DocSummary("Execute a command in the session's sandbox"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/commands/history", g.handleHistory,
		okapi.DocSummary("List recent command results, oldest first"),
		okapi.DocTags("Commands"),
		okapi.DocResponse(HistoryResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/admin/sessions", g.handleAdminSessions,
		okapi.DocSummary("List all active sessions (admin only)"),
		okapi.DocTags("Admin"),
		okapi.DocResponse(AdminSessionsResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	g.group.Get("/admin/logs", g.handleAdminLogs,
		okapi.DocSummary("List recent audit events (admin only)"),
		okapi.DocTags("Admin"),
		okapi.DocResponse(AdminLogsResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)

	// WebSocket streaming execute. Session auth happens inside the handler
	// because the upgrade bypasses the okapi middleware chain.
	g.okapi.HandleStd("GET", "/v1/commands/stream", g.handleStream)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// sessionID extracts the session id from the Authorization header or the
// X-Session-ID header. Returns "" when neither is present.
func sessionIDFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.Header.Get("X-Session-ID")
}

// authenticate validates the session id on every /v1 request. Unknown and
// expired sessions get the same 401; nothing distinguishes the two.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		id := sessionIDFromRequest(c.Request())
		if id == "" {
			return c.AbortUnauthorized("missing session id")
		}

		session, err := g.sessions.ValidateSession(c.Context(), id)
		if err != nil {
			return c.AbortUnauthorized("invalid or expired session")
		}

		c.Set(ctxSessionID, session.ID)
		c.Set(ctxUsername, session.Username)
		return next(c)
	}
}

// isAdmin reports whether the username may call /v1/admin endpoints.
func (g *Gateway) isAdmin(username string) bool {
	_, ok := g.admins[username]
	return ok
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// queryLimit parses the optional limit query parameter. 0 means "no limit
// requested"; negative and unparseable values also collapse to 0.
func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
