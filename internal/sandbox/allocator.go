package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/audit"
)

// validSessionID matches the URL-safe token alphabet used for session ids.
// Anything else (path separators, dots, empty) is rejected before it can
// reach the filesystem.
var validSessionID = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// Config configures the allocator.
type Config struct {
	// Root is the directory under which all sandbox trees live.
	Root string
	// Quota is the fixed resource ceiling attached to every sandbox.
	Quota Quota
	// Tools is the allow-listed tool set advertised by every sandbox.
	Tools []string
}

// Allocator provisions and destroys per-session sandbox trees. Thread-safe:
// the registry map has its own lock; each sandbox is immutable once
// provisioned.
type Allocator struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	root   string
	quota  Quota
	tools  []string
	audit  audit.Recorder
	logger *slog.Logger
}

// NewAllocator creates the allocator and ensures the sandbox root exists.
func NewAllocator(cfg Config, recorder audit.Recorder, logger *slog.Logger) (*Allocator, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %s: %w", cfg.Root, err)
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", root, err)
	}

	return &Allocator{
		sandboxes: make(map[string]*Sandbox),
		root:      root,
		quota:     cfg.Quota,
		tools:     cfg.Tools,
		audit:     recorder,
		logger:    logger,
	}, nil
}

// Provision creates the sandbox tree for a session: a root named by the
// session id with home, tmp, and workspace subdirectories, plus a minimal
// environment scoped to that tree. The session id is validated against the
// token alphabet so it can never traverse outside the sandbox root.
func (a *Allocator) Provision(ctx context.Context, sessionID, username string) (*Sandbox, error) {
	if !validSessionID.MatchString(sessionID) {
		return nil, fmt.Errorf("unsafe session id")
	}

	a.mu.Lock()
	if existing, ok := a.sandboxes[sessionID]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	a.mu.Unlock()

	dir := filepath.Join(a.root, sessionID)
	for _, sub := range []string{"home", "tmp", "workspace"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("creating sandbox directory %s: %w", filepath.Join(dir, sub), err)
		}
	}

	sb := &Sandbox{
		SessionID: sessionID,
		Root:      dir,
		WorkDir:   filepath.Join(dir, "workspace"),
		Env: map[string]string{
			"HOME":   filepath.Join(dir, "home"),
			"TMPDIR": filepath.Join(dir, "tmp"),
			"USER":   username,
			"PWD":    filepath.Join(dir, "workspace"),
			"PATH":   "/usr/local/bin:/usr/bin:/bin",
			"SHELL":  "/bin/sh",
			"LANG":   "en_US.UTF-8",
			"TERM":   "dumb",
		},
		Quota:     a.quota,
		Tools:     append([]string(nil), a.tools...),
		CreatedAt: time.Now().UTC(),
	}

	a.mu.Lock()
	a.sandboxes[sessionID] = sb
	a.mu.Unlock()

	a.audit.Record(ctx, "sandbox_created", sessionID, map[string]any{
		"sandbox_dir": dir,
		"username":    username,
	})

	return sb, nil
}

// Get returns the sandbox registered for a session.
func (a *Allocator) Get(sessionID string) (*Sandbox, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sb, ok := a.sandboxes[sessionID]
	return sb, ok
}

// Destroy removes the sandbox tree and forgets the registration. Idempotent:
// destroying an unknown session or an already-removed tree is not an error.
// Filesystem removal failure is logged and does not fail the caller; the
// registration is dropped either way so the session cannot keep executing.
func (a *Allocator) Destroy(ctx context.Context, sessionID string) bool {
	a.mu.Lock()
	_, ok := a.sandboxes[sessionID]
	if ok {
		delete(a.sandboxes, sessionID)
	}
	a.mu.Unlock()

	// Remove the tree even for unregistered ids, as long as the id is safe:
	// a crash between mkdir and registration must not leak directories.
	if !validSessionID.MatchString(sessionID) {
		return false
	}
	dir := filepath.Join(a.root, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		a.logger.Error("removing sandbox tree",
			slog.String("session_id", sessionID),
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}

	if ok {
		a.audit.Record(ctx, "sandbox_destroyed", sessionID, nil)
	}
	return ok
}

// DestroyAll tears down every registered sandbox. Called at shutdown.
func (a *Allocator) DestroyAll(ctx context.Context) {
	a.mu.RLock()
	ids := make([]string, 0, len(a.sandboxes))
	for id := range a.sandboxes {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	for _, id := range ids {
		a.Destroy(ctx, id)
	}
	a.logger.Info("all sandboxes destroyed", slog.Int("count", len(ids)))
}

// Count returns the number of registered sandboxes.
func (a *Allocator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sandboxes)
}
