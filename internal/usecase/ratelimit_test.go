package usecase

import (
	"errors"
	"testing"
	"time"

	"datapilot/internal/domain"
)

func newTestLimiter(cfg LimiterConfig) (*CallerLimiter, *time.Time) {
	l := NewCallerLimiter(cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCallerLimiter_AllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{Limit: 3, Window: time.Minute, BlockDuration: 5 * time.Minute})

	for i := 0; i < 3; i++ {
		if err := l.Allow("t1|u1"); err != nil {
			t.Fatalf("call %d: unexpected rejection: %v", i+1, err)
		}
	}
	if err := l.Allow("t1|u1"); err == nil {
		t.Fatal("4th call in window should be rejected")
	}
}

func TestCallerLimiter_BlockOutlivesWindow(t *testing.T) {
	l, now := newTestLimiter(LimiterConfig{Limit: 3, Window: time.Minute, BlockDuration: 5 * time.Minute})

	for i := 0; i < 3; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if err := l.Allow("k"); err == nil {
		t.Fatal("ceiling hit should reject and start the block")
	}

	// The original window has fully drained, but the penalty block holds.
	*now = now.Add(2 * time.Minute)
	err := l.Allow("k")
	if err == nil {
		t.Fatal("blocked caller admitted before block expiry")
	}
	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("rejection type = %T, want *domain.RateLimitError", err)
	}
	if rle.RetryAfter != 3*time.Minute {
		t.Errorf("RetryAfter = %v, want 3m", rle.RetryAfter)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Error("rejection should unwrap to ErrRateLimited")
	}

	// Past the block the caller starts fresh.
	*now = now.Add(4 * time.Minute)
	if err := l.Allow("k"); err != nil {
		t.Fatalf("post-block call rejected: %v", err)
	}
}

func TestCallerLimiter_WindowSlides(t *testing.T) {
	l, now := newTestLimiter(LimiterConfig{Limit: 2, Window: time.Minute, BlockDuration: time.Minute})

	if err := l.Allow("k"); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(59 * time.Second)
	if err := l.Allow("k"); err != nil {
		t.Fatal(err)
	}

	// First timestamp ages out; capacity returns without any block.
	*now = now.Add(2 * time.Second)
	if err := l.Allow("k"); err != nil {
		t.Fatalf("call after window slide rejected: %v", err)
	}
}

func TestCallerLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{Limit: 1, Window: time.Minute, BlockDuration: time.Minute})

	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); err == nil {
		t.Fatal("second call for key a should be rejected")
	}
	if err := l.Allow("b"); err != nil {
		t.Fatalf("key b should be unaffected: %v", err)
	}
}

func TestCallerLimiter_Sweep(t *testing.T) {
	l, now := newTestLimiter(LimiterConfig{Limit: 5, Window: time.Minute, BlockDuration: time.Minute})

	if err := l.Allow("idle"); err != nil {
		t.Fatal(err)
	}
	if got := l.Sweep(); got != 0 {
		t.Errorf("Sweep of active caller = %d, want 0", got)
	}

	*now = now.Add(2 * time.Minute)
	if got := l.Sweep(); got != 1 {
		t.Errorf("Sweep = %d, want 1", got)
	}
}
