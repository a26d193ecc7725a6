// Package executor validates, runs, and records sandboxed command
// invocations. Every invocation passes the policy gate before anything
// executes, runs under its session's quota, and lands in the session's
// bounded result history regardless of outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Status is the lifecycle state of an invocation:
// pending -> running -> {completed | failed | timeout}. Terminal states are
// never retried; callers resubmit a new invocation instead.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timeout"
)

// Invocation is one request to run a named tool. Immutable once submitted.
type Invocation struct {
	ID         uuid.UUID
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	// Timeout may shrink the quota's wall-clock limit, never extend it.
	Timeout time.Duration
}

// Result is the terminal record of one invocation.
type Result struct {
	InvocationID uuid.UUID             `json:"command_id"`
	Command      string                `json:"command"`
	Status       Status                `json:"status"`
	Stdout       string                `json:"stdout"`
	Stderr       string                `json:"stderr"`
	ExitCode     int                   `json:"exit_code"`
	Duration     time.Duration         `json:"duration"`
	Usage        sandbox.ResourceUsage `json:"resource_usage"`
	Timestamp    time.Time             `json:"timestamp"`
}

// Config configures the executor.
type Config struct {
	// HistorySize is the per-session result ring capacity. Default: 100.
	HistorySize int
}

// Executor is the command execution core. Session state is guarded per
// session so one session's long-running command never serializes another's.
type Executor struct {
	alloc   *sandbox.Allocator
	runner  *sandbox.Runner
	policy  *Policy
	tools   map[string]Tool
	audit   audit.Recorder
	metrics *observability.Metrics         // nil = metrics disabled
	anomaly *observability.AnomalyDetector // nil = anomaly detection disabled
	logger  *slog.Logger

	historySize int

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is one session's mutable execution state. Its lock covers
// the history ring and the in-flight counter, not execution itself.
type sessionState struct {
	mu       sync.Mutex
	history  *ring
	inflight int
}

// New creates the executor with the default capability table.
func New(cfg Config, alloc *sandbox.Allocator, runner *sandbox.Runner, policy *Policy, recorder audit.Recorder, logger *slog.Logger) *Executor {
	size := cfg.HistorySize
	if size <= 0 {
		size = 100
	}
	return &Executor{
		alloc:       alloc,
		runner:      runner,
		policy:      policy,
		tools:       DefaultTools(),
		audit:       recorder,
		logger:      logger,
		historySize: size,
		sessions:    make(map[string]*sessionState),
	}
}

// WithMetrics attaches the metrics collector.
func (e *Executor) WithMetrics(m *observability.Metrics) *Executor {
	e.metrics = m
	return e
}

// WithAnomaly attaches the anomaly detector.
func (e *Executor) WithAnomaly(a *observability.AnomalyDetector) *Executor {
	e.anomaly = a
	return e
}

// WithTools replaces the capability table. Used by tests and by deployments
// that rebind tools to different modes.
func (e *Executor) WithTools(tools map[string]Tool) *Executor {
	e.tools = tools
	return e
}

// Submit validates and executes one invocation, blocking until it reaches a
// terminal state. Policy rejections and execution failures are returned as
// failed results, never as errors: the invocation itself always yields a
// Result.
func (e *Executor) Submit(ctx context.Context, sessionID string, inv Invocation) Result {
	return e.SubmitStream(ctx, sessionID, inv, nil, nil)
}

// SubmitStream is Submit with optional live output writers. When stdout or
// stderr is non-nil it receives output chunks as the process produces them,
// subject to the same output cap as the buffered capture.
func (e *Executor) SubmitStream(ctx context.Context, sessionID string, inv Invocation, stdout, stderr io.Writer) Result {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	start := time.Now()

	sb, ok := e.alloc.Get(sessionID)
	if !ok {
		return e.fail(ctx, sessionID, inv, start, "no sandbox for session", false)
	}

	// Policy gate. Nothing executes past a failed check.
	if err := e.policy.Check(inv.Command, inv.Args); err != nil {
		reason := rejectionReason(err)
		e.audit.Record(ctx, "unsafe_command_blocked", sessionID, map[string]any{
			"command_id": inv.ID.String(),
			"command":    inv.Command,
			"args":       inv.Args,
			"reason":     err.Error(),
		})
		if e.metrics != nil {
			e.metrics.PolicyRejections.WithLabelValues(reason).Inc()
		}
		return e.fail(ctx, sessionID, inv, start, "command blocked: "+err.Error(), true)
	}

	tool, ok := e.tools[strings.ToLower(inv.Command)]
	if !ok {
		// Allow-listed but unbound: refuse loudly instead of fabricating
		// output for a tool nobody wired up.
		return e.fail(ctx, sessionID, inv, start, fmt.Sprintf("no handler registered for %q", inv.Command), true)
	}

	st := e.state(sessionID)
	st.mu.Lock()
	if sb.Quota.MaxProcesses > 0 && st.inflight >= sb.Quota.MaxProcesses {
		st.mu.Unlock()
		return e.fail(ctx, sessionID, inv, start, "process limit reached for session", true)
	}
	st.inflight++
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.inflight--
		st.mu.Unlock()
	}()

	e.audit.Record(ctx, "command_execution_started", sessionID, map[string]any{
		"command_id": inv.ID.String(),
		"command":    inv.Command,
		"args":       inv.Args,
		"mode":       string(tool.Mode),
	})

	var result Result
	switch tool.Mode {
	case ModeStub:
		result = e.runStub(tool, sb, inv, stdout, stderr)
	default:
		result = e.runSubprocess(ctx, sb, inv, stdout, stderr)
	}
	result.Timestamp = time.Now().UTC()

	e.record(ctx, sessionID, result)
	return result
}

// runStub answers from the tool's safe responder.
func (e *Executor) runStub(tool Tool, sb *sandbox.Sandbox, inv Invocation, stdout, stderr io.Writer) Result {
	start := time.Now()
	out, errOut, exitCode := tool.Stub(inv.Args)

	if stdout != nil && out != "" {
		_, _ = io.WriteString(stdout, out)
	}
	if stderr != nil && errOut != "" {
		_, _ = io.WriteString(stderr, errOut)
	}

	status := StatusCompleted
	if exitCode != 0 {
		status = StatusFailed
	}
	return Result{
		InvocationID: inv.ID,
		Command:      inv.Command,
		Status:       status,
		Stdout:       out,
		Stderr:       errOut,
		ExitCode:     exitCode,
		Duration:     time.Since(start),
	}
}

// runSubprocess executes the real binary under the sandbox's quota.
func (e *Executor) runSubprocess(ctx context.Context, sb *sandbox.Sandbox, inv Invocation, stdout, stderr io.Writer) Result {
	dir, err := e.resolveWorkDir(sb, inv.WorkingDir)
	if err != nil {
		return Result{
			InvocationID: inv.ID,
			Command:      inv.Command,
			Status:       StatusFailed,
			Stderr:       err.Error(),
			ExitCode:     1,
		}
	}

	timeout := sb.Quota.MaxExecution
	if inv.Timeout > 0 && inv.Timeout < timeout {
		timeout = inv.Timeout
	}

	env := sb.Environ()
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}

	run, err := e.runner.Run(ctx, sandbox.RunRequest{
		Command:        append([]string{inv.Command}, inv.Args...),
		Dir:            dir,
		Env:            env,
		Timeout:        timeout,
		MaxOutputBytes: sb.Quota.MaxOutputBytes,
		MaxMemoryMB:    sb.Quota.MaxMemoryMB,
		MaxCPUSeconds:  sb.Quota.MaxCPUSeconds,
		MaxProcesses:   sb.Quota.MaxProcesses,
		Stdout:         stdout,
		Stderr:         stderr,
	})
	if err != nil {
		return Result{
			InvocationID: inv.ID,
			Command:      inv.Command,
			Status:       StatusFailed,
			Stderr:       "execution error: " + err.Error(),
			ExitCode:     1,
		}
	}

	status := StatusCompleted
	switch {
	case run.TimedOut:
		status = StatusTimedOut
	case run.ExitCode != 0:
		status = StatusFailed
	}
	return Result{
		InvocationID: inv.ID,
		Command:      inv.Command,
		Status:       status,
		Stdout:       run.Stdout,
		Stderr:       run.Stderr,
		ExitCode:     run.ExitCode,
		Duration:     run.Duration,
		Usage:        run.Usage,
	}
}

// resolveWorkDir validates a requested working directory against the
// sandbox tree. Relative paths resolve from the workspace; nothing may
// escape the sandbox root.
func (e *Executor) resolveWorkDir(sb *sandbox.Sandbox, requested string) (string, error) {
	if requested == "" {
		return sb.WorkDir, nil
	}
	dir := requested
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(sb.WorkDir, dir)
	}
	dir = filepath.Clean(dir)
	if dir != sb.Root && !strings.HasPrefix(dir, sb.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("working directory %q is outside the sandbox", requested)
	}
	return dir, nil
}

// History returns the most recent limit results for a session, newest last.
// limit <= 0 returns everything retained (at most the ring capacity).
func (e *Executor) History(sessionID string, limit int) []Result {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.snapshot(limit)
}

// CommandCount returns the number of results retained for a session.
func (e *Executor) CommandCount(sessionID string) int {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.len()
}

// DropSession forgets a session's history ring. Called when the session's
// sandbox is destroyed.
func (e *Executor) DropSession(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// fail builds a terminal failed result, optionally recording it in the
// session's history (skipped when the session has no sandbox at all).
func (e *Executor) fail(ctx context.Context, sessionID string, inv Invocation, start time.Time, reason string, remember bool) Result {
	result := Result{
		InvocationID: inv.ID,
		Command:      inv.Command,
		Status:       StatusFailed,
		Stderr:       reason,
		ExitCode:     1,
		Duration:     time.Since(start),
		Timestamp:    time.Now().UTC(),
	}
	if remember {
		e.record(ctx, sessionID, result)
	} else if e.metrics != nil {
		e.metrics.Commands.WithLabelValues(inv.Command, string(result.Status)).Inc()
	}
	return result
}

// record appends the result to the session history and audits the outcome.
func (e *Executor) record(ctx context.Context, sessionID string, result Result) {
	st := e.state(sessionID)
	st.mu.Lock()
	st.history.append(result)
	st.mu.Unlock()

	e.audit.Record(ctx, "command_execution_completed", sessionID, map[string]any{
		"command_id":     result.InvocationID.String(),
		"command":        result.Command,
		"status":         string(result.Status),
		"exit_code":      result.ExitCode,
		"execution_time": result.Duration.Seconds(),
	})

	if e.metrics != nil {
		e.metrics.Commands.WithLabelValues(result.Command, string(result.Status)).Inc()
		e.metrics.CommandDuration.WithLabelValues(result.Command).Observe(result.Duration.Seconds())
	}
	if e.anomaly != nil {
		if result.Status == StatusCompleted {
			e.anomaly.RecordSuccess("command_" + result.Command)
		} else {
			e.anomaly.RecordError("command_" + result.Command)
		}
	}

	e.logger.Info("command finished",
		slog.String("session_id", sessionID),
		slog.String("command_id", result.InvocationID.String()),
		slog.String("command", result.Command),
		slog.String("status", string(result.Status)),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
	)
}

// state returns the session's mutable state, creating it on first use.
func (e *Executor) state(sessionID string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	if !ok {
		st = &sessionState{history: newRing(e.historySize)}
		e.sessions[sessionID] = st
	}
	return st
}

// rejectionReason classifies a policy error for the metrics label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrNotAllowed):
		return "not_allowed"
	case errors.Is(err, ErrDangerousPattern):
		return "dangerous_pattern"
	default:
		return "invalid"
	}
}
