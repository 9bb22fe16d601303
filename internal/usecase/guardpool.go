package usecase

import (
	"sync"
	"time"
)

// GuardPool hands out one InvocationGuard per orchestration turn, so the
// call ceilings accumulate across every dispatch belonging to that turn even
// when each call arrives as its own transport request. Calls within a turn
// are sequential (the frontend drives the model loop one call at a time);
// the pool itself is safe for concurrent turns.
type GuardPool struct {
	mu      sync.Mutex
	cfg     GuardConfig
	ttl     time.Duration
	entries map[string]*guardEntry
	now     func() time.Time // for testing
}

type guardEntry struct {
	guard     *InvocationGuard
	expiresAt time.Time
}

// NewGuardPool creates a pool. ttl bounds how long an abandoned turn keeps
// its guard alive; each Acquire extends it.
func NewGuardPool(cfg GuardConfig, ttl time.Duration) *GuardPool {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &GuardPool{
		cfg:     cfg,
		ttl:     ttl,
		entries: make(map[string]*guardEntry),
		now:     time.Now,
	}
}

// Acquire returns the guard for key, creating one on first use. A tripped
// guard stays in the pool until its TTL lapses, so late calls from the same
// turn keep getting rejected instead of starting a fresh budget.
func (p *GuardPool) Acquire(key string) *InvocationGuard {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for k, e := range p.entries {
		if now.After(e.expiresAt) {
			delete(p.entries, k)
		}
	}

	e, ok := p.entries[key]
	if !ok {
		e = &guardEntry{guard: NewInvocationGuard(p.cfg)}
		p.entries[key] = e
	}
	e.expiresAt = now.Add(p.ttl)
	return e.guard
}

// Release drops a turn's guard once the frontend reports the turn finished.
func (p *GuardPool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// Len reports the number of live turns, mainly for tests and diagnostics.
func (p *GuardPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
