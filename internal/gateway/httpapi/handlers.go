package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/auth"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// --- Auth ---

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Method    string `json:"auth_method"`          // "api_token" or "ssh_key"
	APIToken  string `json:"api_token,omitempty"`  // Required for api_token.
	PublicKey string `json:"public_key,omitempty"` // Required for ssh_key, authorized_keys format.
	Username  string `json:"username,omitempty"`   // Advisory; the credential decides.
}

// LoginResponse is the JSON response for a successful login.
type LoginResponse struct {
	SessionID string           `json:"session_id"`
	Username  string           `json:"username"`
	Method    string           `json:"auth_method"`
	ExpiresAt time.Time        `json:"expires_at"`
	Sandbox   *sandbox.Sandbox `json:"sandbox"`
}

func (g *Gateway) handleLogin(c *okapi.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	var (
		method     auth.Method
		credential string
	)
	switch req.Method {
	case string(auth.MethodAPIToken):
		method, credential = auth.MethodAPIToken, req.APIToken
	case string(auth.MethodSSHKey):
		method, credential = auth.MethodSSHKey, req.PublicKey
	default:
		return c.AbortBadRequest("auth_method must be \"api_token\" or \"ssh_key\"")
	}
	if credential == "" {
		return c.AbortBadRequest("credential is required")
	}

	session, err := g.sessions.Authenticate(c.Context(), method, credential, req.Username)
	if err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.AuthAttempts.WithLabelValues(string(method), "failure").Inc()
		}
		return c.AbortUnauthorized("invalid credentials")
	}

	sb, err := g.alloc.Provision(c.Context(), session.ID, session.Username)
	if err != nil {
		// A session without a sandbox must not exist. Roll back and answer
		// with a generic error that leaks no filesystem detail.
		g.sessions.Logout(c.Context(), session.ID)
		g.logger.Error("sandbox provisioning failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session could not be provisioned")
	}

	if g.config.Metrics != nil {
		g.config.Metrics.AuthAttempts.WithLabelValues(string(method), "success").Inc()
		g.config.Metrics.ActiveSessions.Set(float64(g.sessions.ActiveCount()))
		g.config.Metrics.ActiveSandboxes.Set(float64(g.alloc.Count()))
	}

	g.logger.Info("login",
		slog.String("session_id", session.ID),
		slog.String("username", session.Username),
		slog.String("method", string(method)),
	)

	return c.OK(LoginResponse{
		SessionID: session.ID,
		Username:  session.Username,
		Method:    string(session.Method),
		ExpiresAt: session.ExpiresAt,
		Sandbox:   sb,
	})
}

// LogoutResponse is the JSON response for POST /auth/logout.
type LogoutResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLogout(c *okapi.Context) error {
	id := sessionIDFromRequest(c.Request())
	if id == "" {
		return c.AbortBadRequest("missing session id")
	}

	// Idempotent: logging out a dead session still answers 200 so clients
	// can always tear down without special-casing expiry races.
	g.endSession(c, id)

	return c.OK(LogoutResponse{Status: "logged_out"})
}

// endSession tears down everything attached to a session id: the session
// itself, its sandbox tree, its history ring, and its rate bucket.
func (g *Gateway) endSession(c *okapi.Context, id string) {
	g.sessions.Logout(c.Context(), id)
	g.alloc.Destroy(c.Context(), id)
	g.exec.DropSession(id)
	if g.limiter != nil {
		g.limiter.Forget(id)
	}

	if g.config.Metrics != nil {
		g.config.Metrics.ActiveSessions.Set(float64(g.sessions.ActiveCount()))
		g.config.Metrics.ActiveSandboxes.Set(float64(g.alloc.Count()))
	}
}

// --- Session ---

// SessionInfoResponse is the JSON response for GET /v1/session.
type SessionInfoResponse struct {
	SessionID    string           `json:"session_id"`
	Username     string           `json:"username"`
	Method       string           `json:"auth_method"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	LastActivity time.Time        `json:"last_activity"`
	CommandCount int              `json:"command_count"`
	Sandbox      *sandbox.Sandbox `json:"sandbox,omitempty"`
}

func (g *Gateway) handleSessionInfo(c *okapi.Context) error {
	id := c.GetString(ctxSessionID)

	session, err := g.sessions.ValidateSession(c.Context(), id)
	if err != nil {
		return c.AbortUnauthorized("invalid or expired session")
	}

	sb, _ := g.alloc.Get(id)
	return c.OK(SessionInfoResponse{
		SessionID:    session.ID,
		Username:     session.Username,
		Method:       string(session.Method),
		CreatedAt:    session.CreatedAt,
		ExpiresAt:    session.ExpiresAt,
		LastActivity: session.LastActivity,
		CommandCount: g.exec.CommandCount(id),
		Sandbox:      sb,
	})
}

// --- Sandbox ---

func (g *Gateway) handleSandboxInfo(c *okapi.Context) error {
	id := c.GetString(ctxSessionID)

	sb, ok := g.alloc.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no sandbox for session"})
	}
	return c.OK(sb)
}

// --- Commands ---

// ExecuteRequest is the JSON body for POST /v1/commands/execute.
type ExecuteRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	WorkingDir     string            `json:"working_directory,omitempty"` // Relative to the workspace.
	Env            map[string]string `json:"environment,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // May shrink the quota, never extend it.
}

// ExecuteResponse is the JSON response for POST /v1/commands/execute.
// Rejected commands are 200 responses with status "failed": the transport
// worked, the command did not.
type ExecuteResponse struct {
	Result executor.Result `json:"result"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	id := c.GetString(ctxSessionID)

	if g.limiter != nil {
		if err := g.limiter.Allow(id); err != nil {
			if g.config.Metrics != nil {
				g.config.Metrics.RateLimitedTotal.Inc()
			}
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("execute request",
		slog.String("session_id", id),
		slog.String("correlation_id", correlationID),
		slog.String("command", req.Command),
	)

	result := g.exec.Submit(c.Context(), id, executor.Invocation{
		Command:    req.Command,
		Args:       req.Args,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})

	return c.OK(ExecuteResponse{Result: result})
}

// HistoryResponse is the JSON response for GET /v1/commands/history.
type HistoryResponse struct {
	Commands []executor.Result `json:"commands"` // Oldest first.
	Count    int               `json:"count"`
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	id := c.GetString(ctxSessionID)

	results := g.exec.History(id, queryLimit(c.Request()))
	if results == nil {
		results = []executor.Result{}
	}
	return c.OK(HistoryResponse{Commands: results, Count: len(results)})
}

// --- Admin ---

// AdminSessionsResponse is the JSON response for GET /v1/admin/sessions.
type AdminSessionsResponse struct {
	Sessions []auth.Session `json:"sessions"`
	Count    int            `json:"count"`
}

func (g *Gateway) handleAdminSessions(c *okapi.Context) error {
	username := c.GetString(ctxUsername)
	if !g.isAdmin(username) {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "admin access required"})
	}

	sessions := g.sessions.ListActive(c.Context())
	return c.OK(AdminSessionsResponse{Sessions: sessions, Count: len(sessions)})
}

// AdminLogsResponse is the JSON response for GET /v1/admin/logs.
type AdminLogsResponse struct {
	Events []audit.Event `json:"events"` // Oldest first.
	Count  int           `json:"count"`
}

func (g *Gateway) handleAdminLogs(c *okapi.Context) error {
	username := c.GetString(ctxUsername)
	if !g.isAdmin(username) {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "admin access required"})
	}

	events := g.auditLog.RecentEvents(queryLimit(c.Request()))
	if events == nil {
		events = []audit.Event{}
	}
	return c.OK(AdminLogsResponse{Events: events, Count: len(events)})
}
