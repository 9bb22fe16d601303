package usecase

import (
	"sync"
	"time"

	"datapilot/internal/domain"
)

// LimiterConfig holds sliding-window admission thresholds.
type LimiterConfig struct {
	Limit         int           // max requests per window
	Window        time.Duration // e.g. 60s
	BlockDuration time.Duration // penalty applied once the ceiling is hit
}

// CallerLimiter is a per-caller sliding-window rate limiter with a penalty
// block. Each caller key tracks a time-ordered queue of request timestamps;
// once the ceiling is reached the caller is blocked for BlockDuration
// regardless of the window draining naturally.
type CallerLimiter struct {
	mu      sync.Mutex
	cfg     LimiterConfig
	callers map[string]*callerWindow
	now     func() time.Time // for testing
}

type callerWindow struct {
	calls        []time.Time
	blockedUntil time.Time
}

// NewCallerLimiter creates a limiter with the given thresholds.
func NewCallerLimiter(cfg LimiterConfig) *CallerLimiter {
	return &CallerLimiter{
		cfg:     cfg,
		callers: make(map[string]*callerWindow),
		now:     time.Now,
	}
}

// Allow admits or rejects one request for the caller key. A rejection is
// always a *domain.RateLimitError carrying retry-after.
func (l *CallerLimiter) Allow(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.callers[key]
	if !ok {
		w = &callerWindow{}
		l.callers[key] = w
	}

	// Blocked callers are rejected up front, without pruning or enqueueing.
	if now.Before(w.blockedUntil) {
		return &domain.RateLimitError{Key: key, RetryAfter: w.blockedUntil.Sub(now)}
	}

	// The queue is time-ordered, so expired entries only ever sit at the front.
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}

	if len(w.calls) >= l.cfg.Limit {
		w.blockedUntil = now.Add(l.cfg.BlockDuration)
		return &domain.RateLimitError{Key: key, RetryAfter: l.cfg.BlockDuration}
	}

	w.calls = append(w.calls, now)
	return nil
}

// Sweep drops caller entries that are idle and unblocked. Call periodically
// to keep the table bounded.
func (l *CallerLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	removed := 0
	for key, w := range l.callers {
		if now.Before(w.blockedUntil) {
			continue
		}
		if len(w.calls) == 0 || !w.calls[len(w.calls)-1].After(cutoff) {
			delete(l.callers, key)
			removed++
		}
	}
	return removed
}
