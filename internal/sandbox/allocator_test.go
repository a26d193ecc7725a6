package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type nopRecorder struct{}

func (nopRecorder) Record(_ context.Context, _, _ string, _ map[string]any) {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSessionID satisfies the session id alphabet (16+ URL-safe chars).
const testSessionID = "abcdefgh12345678_-XY"

func testAllocator(t *testing.T) *Allocator {
	t.Helper()
	alloc, err := NewAllocator(Config{
		Root: filepath.Join(t.TempDir(), "sandboxes"),
		Quota: Quota{
			MaxExecution:   30 * time.Second,
			MaxOutputBytes: 1 << 20,
			MaxMemoryMB:    512,
			MaxCPUSeconds:  60,
			MaxProcesses:   10,
		},
		Tools: []string{"git", "ls"},
	}, nopRecorder{}, discardLogger())
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return alloc
}

func TestProvision(t *testing.T) {
	alloc := testAllocator(t)
	ctx := context.Background()

	sb, err := alloc.Provision(ctx, testSessionID, "alice")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	for _, sub := range []string{"home", "tmp", "workspace"} {
		dir := filepath.Join(sb.Root, sub)
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("%s not created: %v", sub, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}

	if sb.WorkDir != filepath.Join(sb.Root, "workspace") {
		t.Errorf("WorkDir = %q, want workspace subdirectory", sb.WorkDir)
	}
	if sb.Env["HOME"] != filepath.Join(sb.Root, "home") {
		t.Errorf("HOME = %q, want sandbox home", sb.Env["HOME"])
	}
	if sb.Env["USER"] != "alice" {
		t.Errorf("USER = %q, want alice", sb.Env["USER"])
	}
	if sb.Quota.MaxProcesses != 10 {
		t.Errorf("MaxProcesses = %d, want 10", sb.Quota.MaxProcesses)
	}
}

func TestProvision_Idempotent(t *testing.T) {
	alloc := testAllocator(t)
	ctx := context.Background()

	first, err := alloc.Provision(ctx, testSessionID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	second, err := alloc.Provision(ctx, testSessionID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("re-provision returned a different sandbox")
	}
	if alloc.Count() != 1 {
		t.Errorf("Count = %d, want 1", alloc.Count())
	}
}

func TestProvision_RejectsUnsafeIDs(t *testing.T) {
	alloc := testAllocator(t)
	ctx := context.Background()

	tests := []string{
		"",
		"short",
		"../../../etc/passwd",
		"has/slash/in/it/abcd",
		"dots..dots..dots..dots",
		"white space in the id",
	}
	for _, id := range tests {
		if _, err := alloc.Provision(ctx, id, "alice"); err == nil {
			t.Errorf("Provision(%q) succeeded, want error", id)
		}
	}
}

func TestDestroy(t *testing.T) {
	alloc := testAllocator(t)
	ctx := context.Background()

	sb, err := alloc.Provision(ctx, testSessionID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	// Leave a file behind so RemoveAll has real work to do.
	if err := os.WriteFile(filepath.Join(sb.WorkDir, "scratch.txt"), []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	if !alloc.Destroy(ctx, testSessionID) {
		t.Error("Destroy = false, want true")
	}
	if _, err := os.Stat(sb.Root); !os.IsNotExist(err) {
		t.Errorf("sandbox tree still present after destroy: %v", err)
	}
	if _, ok := alloc.Get(testSessionID); ok {
		t.Error("sandbox still registered after destroy")
	}

	// Idempotent: a second destroy is a no-op, not an error.
	if alloc.Destroy(ctx, testSessionID) {
		t.Error("second Destroy = true, want false")
	}
	if alloc.Destroy(ctx, "never-provisioned-0000") {
		t.Error("Destroy of unknown session = true, want false")
	}
}

func TestDestroyAll(t *testing.T) {
	alloc := testAllocator(t)
	ctx := context.Background()

	ids := []string{"sessionAAAAAAAAAAAAA", "sessionBBBBBBBBBBBBB", "sessionCCCCCCCCCCCCC"}
	for _, id := range ids {
		if _, err := alloc.Provision(ctx, id, "alice"); err != nil {
			t.Fatal(err)
		}
	}

	alloc.DestroyAll(ctx)
	if alloc.Count() != 0 {
		t.Errorf("Count = %d after DestroyAll, want 0", alloc.Count())
	}
}

func TestEnviron(t *testing.T) {
	sb := &Sandbox{Env: map[string]string{"HOME": "/x/home", "USER": "alice"}}
	env := sb.Environ()
	if len(env) != 2 {
		t.Fatalf("Environ returned %d entries, want 2", len(env))
	}
	found := map[string]bool{}
	for _, kv := range env {
		found[kv] = true
	}
	if !found["HOME=/x/home"] || !found["USER=alice"] {
		t.Errorf("Environ = %v", env)
	}
}
