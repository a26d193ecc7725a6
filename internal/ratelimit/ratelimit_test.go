package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("s1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("s1"); err != ErrRateLimited {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestAllow_PerSessionBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("s1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("s1"); err != ErrRateLimited {
		t.Fatalf("s1 second request: err = %v, want ErrRateLimited", err)
	}
	// Another session has its own untouched bucket.
	if err := l.Allow("s2"); err != nil {
		t.Errorf("s2 first request: %v", err)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 0})
	for i := 0; i < 100; i++ {
		if err := l.Allow("s1"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestAllow_Refill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("s1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("s1"); err != ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Backdate the bucket's fill time instead of sleeping: 2 seconds of
	// elapsed time at 1 token/s is enough for one more request.
	l.mu.Lock()
	l.sessions["s1"].lastFill = l.sessions["s1"].lastFill.Add(-2 * time.Second)
	l.mu.Unlock()

	if err := l.Allow("s1"); err != nil {
		t.Errorf("after refill window: %v", err)
	}
}

func TestAllow_RefillCappedAtBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 600, BurstSize: 2})

	if err := l.Allow("s1"); err != nil {
		t.Fatal(err)
	}

	// A long idle period refills to the burst cap, not beyond it.
	l.mu.Lock()
	l.sessions["s1"].lastFill = l.sessions["s1"].lastFill.Add(-time.Hour)
	l.mu.Unlock()

	for i := 0; i < 2; i++ {
		if err := l.Allow("s1"); err != nil {
			t.Fatalf("request %d after idle: %v", i, err)
		}
	}
	if err := l.Allow("s1"); err != ErrRateLimited {
		t.Errorf("err = %v, want ErrRateLimited past burst", err)
	}
}

func TestForget(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("s1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("s1"); err != ErrRateLimited {
		t.Fatal("bucket should be empty")
	}

	// Forget resets the session entirely; the next request starts a fresh
	// full bucket.
	l.Forget("s1")
	if err := l.Allow("s1"); err != nil {
		t.Errorf("after Forget: %v", err)
	}
}
