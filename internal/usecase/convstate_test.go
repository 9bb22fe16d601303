package usecase

import (
	"context"
	"testing"
	"time"
)

func newTestStateStore(sliding bool) (*MemoryStateStore, *time.Time) {
	s := NewMemoryStateStore(30*time.Minute, sliding)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMemoryStateStore_RoundTrip(t *testing.T) {
	s, _ := newTestStateStore(true)
	ctx := context.Background()

	st := &ConversationState{
		Resource: "products",
		Tool:     "search_products",
		Filters:  map[string]string{"category": "outdoor"},
	}
	if err := s.Upsert(ctx, "t1|u1|c1", st); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "t1|u1|c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for live state")
	}
	if got.Version != StateSchemaVersion {
		t.Errorf("Version = %d, want %d", got.Version, StateSchemaVersion)
	}
	if got.Filters["category"] != "outdoor" {
		t.Errorf("Filters = %v", got.Filters)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}

	// Returned state is a copy; mutating it must not leak into the store.
	got.Filters["category"] = "indoor"
	again, _ := s.Get(ctx, "t1|u1|c1")
	if again.Filters["category"] != "outdoor" {
		t.Error("stored filters mutated through returned copy")
	}
}

func TestMemoryStateStore_AbsentAndExpired(t *testing.T) {
	s, now := newTestStateStore(true)
	ctx := context.Background()

	if got, err := s.Get(ctx, "missing"); err != nil || got != nil {
		t.Fatalf("absent key: got %v, %v; want nil, nil", got, err)
	}

	_ = s.Upsert(ctx, "k", &ConversationState{Resource: "products"})
	*now = now.Add(31 * time.Minute)
	if got, err := s.Get(ctx, "k"); err != nil || got != nil {
		t.Fatalf("expired key: got %v, %v; want nil, nil", got, err)
	}
}

func TestMemoryStateStore_SlidingTTLExtends(t *testing.T) {
	s, now := newTestStateStore(true)
	ctx := context.Background()

	_ = s.Upsert(ctx, "k", &ConversationState{Resource: "products"})

	// Touch just before expiry; sliding mode re-arms the full TTL.
	*now = now.Add(29 * time.Minute)
	if got, _ := s.Get(ctx, "k"); got == nil {
		t.Fatal("state expired early")
	}
	*now = now.Add(29 * time.Minute)
	if got, _ := s.Get(ctx, "k"); got == nil {
		t.Fatal("sliding Get did not extend expiry")
	}
}

func TestMemoryStateStore_FixedTTLDoesNotExtend(t *testing.T) {
	s, now := newTestStateStore(false)
	ctx := context.Background()

	_ = s.Upsert(ctx, "k", &ConversationState{Resource: "products"})

	*now = now.Add(29 * time.Minute)
	if got, _ := s.Get(ctx, "k"); got == nil {
		t.Fatal("state expired early")
	}
	*now = now.Add(2 * time.Minute)
	if got, _ := s.Get(ctx, "k"); got != nil {
		t.Fatal("fixed TTL should not be extended by reads")
	}
}

func TestMemoryStateStore_UnknownVersionTreatedAsAbsent(t *testing.T) {
	s, _ := newTestStateStore(true)
	ctx := context.Background()

	_ = s.Upsert(ctx, "k", &ConversationState{Resource: "products"})
	s.entries["k"].state.Version = StateSchemaVersion + 9

	if got, err := s.Get(ctx, "k"); err != nil || got != nil {
		t.Fatalf("unknown version: got %v, %v; want nil, nil", got, err)
	}
}

func TestMemoryStateStore_Sweep(t *testing.T) {
	s, now := newTestStateStore(true)
	ctx := context.Background()

	_ = s.Upsert(ctx, "a", &ConversationState{Resource: "products"})
	*now = now.Add(31 * time.Minute)
	_ = s.Upsert(ctx, "b", &ConversationState{Resource: "orders"})

	if got := s.Sweep(); got != 1 {
		t.Errorf("Sweep = %d, want 1", got)
	}
	if st, _ := s.Get(ctx, "b"); st == nil {
		t.Error("live entry swept")
	}
}
