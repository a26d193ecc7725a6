// Package audit implements the append-only audit trail: an in-memory ring of
// recent events, an append-only JSONL file, and an optional relational store.
// Recording never fails the caller: a lost audit record must not take down
// the operation that produced it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a single entry in the audit trail.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Recorder is the write side of the audit trail. Components that emit audit
// events depend on this interface, not on the concrete Log.
type Recorder interface {
	Record(ctx context.Context, kind, sessionID string, fields map[string]any)
}

// Config configures the audit log.
type Config struct {
	// Path of the append-only JSONL file. Empty disables file output.
	Path string
	// BufferSize is the in-memory ring capacity. Defaults to 1000.
	BufferSize int
}

// Log is the process-wide audit trail. Thread-safe.
type Log struct {
	mu         sync.Mutex
	ring       []Event
	next       int
	count      int
	file       *os.File
	store      Store // nil = no durable mirror
	logger     *slog.Logger
	fileFailed bool // write failure already reported once
}

// New opens the audit log. The JSONL file is opened append-only with 0600
// permissions; its parent directory is created if needed.
func New(cfg Config, logger *slog.Logger) (*Log, error) {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1000
	}

	l := &Log{
		ring:   make([]Event, size),
		logger: logger,
	}

	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log %s: %w", cfg.Path, err)
		}
		l.file = f
	}

	return l, nil
}

// WithStore attaches a durable event store. Store failures are logged and
// swallowed like file failures.
func (l *Log) WithStore(store Store) *Log {
	l.store = store
	return l
}

// Record appends a structured, timestamped event. Failures of the file or
// store sinks are logged once and never propagate to the caller.
func (l *Log) Record(ctx context.Context, kind, sessionID string, fields map[string]any) {
	event := Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		SessionID: sessionID,
		Fields:    fields,
	}

	// Marshal outside the lock; only ring and file writes are serialized.
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("marshaling audit event", slog.String("kind", kind), slog.String("error", err.Error()))
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	l.ring[l.next] = event
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}

	var writeErr error
	if l.file != nil {
		_, writeErr = l.file.Write(data)
	}
	alreadyFailed := l.fileFailed
	if writeErr != nil {
		l.fileFailed = true
	}
	l.mu.Unlock()

	if writeErr != nil && !alreadyFailed {
		l.logger.Error("writing audit event to file",
			slog.String("kind", kind),
			slog.String("error", writeErr.Error()),
		)
	}

	if l.store != nil {
		if err := l.store.Append(ctx, event); err != nil {
			l.logger.Error("appending audit event to store",
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
		}
	}

	l.logger.Debug("audit event recorded",
		slog.String("kind", kind),
		slog.String("session_id", sessionID),
	)
}

// RecentEvents returns up to limit events from the in-memory ring, oldest
// first. limit <= 0 returns everything retained.
func (l *Log) RecentEvents(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > l.count {
		limit = l.count
	}

	out := make([]Event, 0, limit)
	start := l.next - limit
	if start < 0 {
		start += len(l.ring)
	}
	for i := 0; i < limit; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Close closes the JSONL file and the durable store, if present.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if l.file != nil {
		firstErr = l.file.Close()
		l.file = nil
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
