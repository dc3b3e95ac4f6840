package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_ConsumesBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("sb-1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("sb-1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("exhausted bucket: err = %v, want ErrRateLimited", err)
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	now := time.Now()
	l.now = func() time.Time { return now }

	if err := l.Allow("sb-1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("sb-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second request: err = %v, want ErrRateLimited", err)
	}

	// 60/min is one token per second.
	now = now.Add(time.Second)
	if err := l.Allow("sb-1"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestAllow_SandboxesAreIsolated(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("sb-1"); err != nil {
		t.Fatalf("sb-1: %v", err)
	}
	if err := l.Allow("sb-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("sb-1 second: err = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("sb-2"); err != nil {
		t.Errorf("sb-2 hit sb-1's limit: %v", err)
	}
}

func TestAllow_UnlimitedMode(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("sb-1"); err != nil {
			t.Fatalf("unlimited mode request %d: %v", i, err)
		}
	}
}

func TestForget_ResetsBucket(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("sb-1"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	l.Forget("sb-1")
	if err := l.Allow("sb-1"); err != nil {
		t.Errorf("after Forget: %v", err)
	}
}
