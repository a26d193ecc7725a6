package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecord_RingOrder(t *testing.T) {
	l, err := New(Config{BufferSize: 10}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l.Record(ctx, fmt.Sprintf("event_%d", i), "s1", nil)
	}

	events := l.RecentEvents(0)
	if len(events) != 3 {
		t.Fatalf("RecentEvents returned %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.Kind != fmt.Sprintf("event_%d", i) {
			t.Errorf("events[%d].Kind = %q, oldest-first order violated", i, e.Kind)
		}
		if e.ID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Errorf("events[%d] has no id", i)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("events[%d] has no timestamp", i)
		}
	}
}

func TestRecord_RingEviction(t *testing.T) {
	l, err := New(Config{BufferSize: 5}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		l.Record(ctx, fmt.Sprintf("event_%d", i), "", nil)
	}

	events := l.RecentEvents(0)
	if len(events) != 5 {
		t.Fatalf("retained %d events, want 5", len(events))
	}
	if events[0].Kind != "event_3" || events[4].Kind != "event_7" {
		t.Errorf("ring holds %q..%q, want event_3..event_7", events[0].Kind, events[4].Kind)
	}
}

func TestRecentEvents_Limit(t *testing.T) {
	l, err := New(Config{BufferSize: 10}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		l.Record(ctx, fmt.Sprintf("event_%d", i), "", nil)
	}

	events := l.RecentEvents(2)
	if len(events) != 2 {
		t.Fatalf("RecentEvents(2) returned %d events", len(events))
	}
	if events[0].Kind != "event_4" || events[1].Kind != "event_5" {
		t.Errorf("got %q, %q; want the two most recent", events[0].Kind, events[1].Kind)
	}

	// A limit above the retained count returns everything.
	if got := l.RecentEvents(100); len(got) != 6 {
		t.Errorf("RecentEvents(100) returned %d events, want 6", len(got))
	}
}

func TestRecord_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := New(Config{Path: path}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	l.Record(ctx, "authentication_success", "s1", map[string]any{"username": "alice"})
	l.Record(ctx, "sandbox_created", "s1", nil)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid JSONL line: %v", err)
		}
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != "authentication_success" || kinds[1] != "sandbox_created" {
		t.Errorf("file kinds = %v", kinds)
	}
}

func TestNew_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(Config{Path: path}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("audit file permissions = %o, want 0600", perm)
	}
}

func TestRecord_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l, err := New(Config{Path: path}, discardLogger())
		if err != nil {
			t.Fatal(err)
		}
		l.Record(ctx, fmt.Sprintf("open_%d", i), "", nil)
		if err := l.Close(); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("file holds %d lines after reopen, want 2", lines)
	}
}
