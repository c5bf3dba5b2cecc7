package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_Burst(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := range 3 {
		if err := l.Allow("s1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("s1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("4th request = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("s2"); err != nil {
		t.Errorf("other client limited: %v", err)
	}
}

func TestAllow_Refill(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("s1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("s1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	*now = now.Add(time.Second)
	if err := l.Allow("s1"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		if err := l.Allow("s1"); err != nil {
			t.Fatal(err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("s1"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	_ = l.Allow("idle")
	_ = l.Allow("busy")
	_ = l.Allow("busy")

	// idle refills in 1s, busy in 2s.
	*now = now.Add(3 * time.Second)
	if got := l.Prune(1500 * time.Millisecond); got != 1 {
		t.Errorf("Prune removed %d, want 1", got)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}
