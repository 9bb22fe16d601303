package usecase

import (
	"context"
	"sync"
	"time"
)

// StateSchemaVersion tags stored conversation state so older or unknown
// future records are treated as absent instead of crashing deserialization.
const StateSchemaVersion = 1

// ConversationState remembers the last successful query shape for one
// (tenant, user, conversation) so follow-up turns compose incrementally.
// Filters are always canonical (post-alias-resolution) before storage.
type ConversationState struct {
	Version   int               `json:"v"`
	Resource  string            `json:"resource"`
	Tool      string            `json:"tool"`
	Filters   map[string]string `json:"filters"`
	Language  string            `json:"language,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StateStore holds conversation state with expiry. Get returns (nil, nil)
// for absent, expired, or unrecognized-version records; callers must not
// depend on which backend is active or why state is missing.
type StateStore interface {
	Get(ctx context.Context, key string) (*ConversationState, error)
	Upsert(ctx context.Context, key string, st *ConversationState) error
	Clear(ctx context.Context, key string) error
}

// MemoryStateStore is the volatile single-node StateStore. TTL is sliding
// by default: each successful Get extends expiry by the full TTL.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]*stateEntry
	ttl     time.Duration
	sliding bool
	now     func() time.Time // for testing
}

type stateEntry struct {
	state     ConversationState
	expiresAt time.Time
}

// NewMemoryStateStore creates an in-process state store.
func NewMemoryStateStore(ttl time.Duration, sliding bool) *MemoryStateStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryStateStore{
		entries: make(map[string]*stateEntry),
		ttl:     ttl,
		sliding: sliding,
		now:     time.Now,
	}
}

func (s *MemoryStateStore) Get(_ context.Context, key string) (*ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	now := s.now()
	if now.After(e.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	if e.state.Version != StateSchemaVersion {
		// Unknown version: treat as absent, never as an error.
		delete(s.entries, key)
		return nil, nil
	}
	if s.sliding {
		e.expiresAt = now.Add(s.ttl)
	}

	cp := e.state
	cp.Filters = copyFilters(e.state.Filters)
	return &cp, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, key string, st *ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	cp.Version = StateSchemaVersion
	cp.Filters = copyFilters(st.Filters)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	s.entries[key] = &stateEntry{state: cp, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStateStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Sweep removes expired entries. Call periodically to keep memory bounded.
func (s *MemoryStateStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func copyFilters(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
