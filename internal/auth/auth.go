// Package auth implements credential verification and session lifecycle:
// API tokens compared in constant time against stored hashes, SSH public
// keys matched by exact wire encoding, and unguessable session ids with a
// fixed TTL and lazy expiry.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/audit"
)

// Sentinel errors for authentication and session validation.
var (
	// ErrInvalidCredentials is returned for every failed authentication,
	// regardless of which check failed. Callers must not learn whether a
	// username exists or a token was close.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidSession is returned for unknown and expired session ids.
	ErrInvalidSession = errors.New("invalid or expired session")
)

// Method identifies how a session was authenticated.
type Method string

const (
	MethodAPIToken Method = "api_token"
	MethodSSHKey   Method = "ssh_key"
)

// Session is one authenticated client session.
type Session struct {
	ID           string    `json:"session_id"`
	Username     string    `json:"username"`
	Method       Method    `json:"auth_method"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Manager issues, validates, and expires sessions. Thread-safe.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	creds   *CredentialStore
	ttl     time.Duration
	audit   audit.Recorder
	logger  *slog.Logger
	now     func() time.Time
	onEvict func(sessionID string)
}

// NewManager creates a session manager with the given TTL.
func NewManager(creds *CredentialStore, ttl time.Duration, recorder audit.Recorder, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		sessions: make(map[string]*Session),
		creds:    creds,
		ttl:      ttl,
		audit:    recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithEvictionHook registers a callback invoked once for every session the
// manager expires, whether lazily during validation or by the background
// sweep. The hook is where callers tear down per-session state: sandbox
// trees, command history, rate buckets. Not invoked for explicit logouts,
// which callers tear down inline. Called without the session lock held.
func (m *Manager) WithEvictionHook(fn func(sessionID string)) *Manager {
	m.onEvict = fn
	return m
}

func (m *Manager) evicted(id string) {
	if m.onEvict != nil {
		m.onEvict(id)
	}
}

// Authenticate validates a credential and mints a session on success.
// The username argument is advisory only: the authoritative username always
// comes from the matched credential entry. Failures are uniform: the same
// ErrInvalidCredentials regardless of which check failed. Every attempt is
// audited.
func (m *Manager) Authenticate(ctx context.Context, method Method, credential, username string) (Session, error) {
	var (
		owner string
		ok    bool
	)
	switch method {
	case MethodAPIToken:
		owner, ok = m.creds.LookupToken(credential)
	case MethodSSHKey:
		owner, ok = m.creds.LookupKey(credential)
	}

	if !ok {
		m.audit.Record(ctx, "authentication_failed", "", map[string]any{
			"method":   string(method),
			"username": username,
		})
		return Session{}, ErrInvalidCredentials
	}

	if username != "" && username != owner {
		m.logger.Debug("client-supplied username ignored",
			slog.String("requested", username),
			slog.String("resolved", owner),
		)
	}

	id, err := newSessionID()
	if err != nil {
		return Session{}, fmt.Errorf("minting session id: %w", err)
	}

	now := m.now()
	session := &Session{
		ID:           id,
		Username:     owner,
		Method:       method,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.audit.Record(ctx, "authentication_success", id, map[string]any{
		"method":   string(method),
		"username": owner,
	})

	return *session, nil
}

// ValidateSession checks that the session exists and has not expired, and
// bumps its last-activity timestamp. Expiry is re-checked on every call;
// the background sweep only reclaims memory, it is never the authority.
func (m *Manager) ValidateSession(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrInvalidSession
	}

	now := m.now()
	if now.After(session.ExpiresAt) {
		delete(m.sessions, id)
		m.mu.Unlock()
		m.audit.Record(ctx, "session_expired", id, map[string]any{
			"username": session.Username,
		})
		m.evicted(id)
		return Session{}, ErrInvalidSession
	}

	session.LastActivity = now
	copied := *session
	m.mu.Unlock()

	return copied, nil
}

// Logout deletes the session if present. Idempotent: returns whether a
// session was actually removed.
func (m *Manager) Logout(ctx context.Context, id string) bool {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	m.audit.Record(ctx, "logout", id, map[string]any{
		"username": session.Username,
	})
	return true
}

// ListActive sweeps expired sessions, then returns the remainder.
// Intended for admin-privileged callers only.
func (m *Manager) ListActive(ctx context.Context) []Session {
	m.SweepExpired(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// SweepExpired evicts every expired session, runs the eviction hook for
// each, and returns the evicted ids.
func (m *Manager) SweepExpired(ctx context.Context) []string {
	now := m.now()

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.audit.Record(ctx, "session_expired", id, nil)
		m.evicted(id)
	}
	return expired
}

// ActiveCount returns the number of live sessions without sweeping.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// newSessionID mints a 256-bit session id from crypto/rand, URL-safe.
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
