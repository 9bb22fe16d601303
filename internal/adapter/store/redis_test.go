package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"datapilot/internal/domain"
	"datapilot/internal/usecase"
)

// newTestRedis connects to the server named by REDIS_ADDR, skipping the test
// when none is configured.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func redisTestPlan(id string, expiresAt time.Time) *usecase.Plan {
	return &usecase.Plan{
		ID:        id,
		Tool:      "update_price",
		TenantID:  "t1",
		UserID:    "u1",
		ExpiresAt: expiresAt,
		Payload:   map[string]string{"procedure": "sp_update_price", "product_id": "p1", "new_price": "19.99"},
	}
}

func TestRedisPlanStore_PutConsume(t *testing.T) {
	s := NewRedisPlanStore(newTestRedis(t))
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()

	if err := s.Put(ctx, redisTestPlan(id, now.Add(5*time.Minute))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	p, err := s.Consume(ctx, id, "UPDATE_PRICE", "t1", "u1", now)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if p.Payload["new_price"] != "19.99" {
		t.Errorf("payload = %v", p.Payload)
	}

	// At most once.
	_, err = s.Consume(ctx, id, "update_price", "t1", "u1", now)
	if !errors.Is(err, domain.ErrPlanNotFound) {
		t.Fatalf("second consume: err = %v, want ErrPlanNotFound", err)
	}
}

func TestRedisPlanStore_ConcurrentConsumeSingleWinner(t *testing.T) {
	s := NewRedisPlanStore(newTestRedis(t))
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()

	if err := s.Put(ctx, redisTestPlan(id, now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	const callers = 16
	start := make(chan struct{})
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.Consume(ctx, id, "update_price", "t1", "u1", now)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case !errors.Is(err, domain.ErrPlanNotFound):
			t.Errorf("caller %d: err = %v, want ErrPlanNotFound", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestRedisPlanStore_ConsumeExpiredDeletes(t *testing.T) {
	s := NewRedisPlanStore(newTestRedis(t))
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()

	if err := s.Put(ctx, redisTestPlan(id, now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	_, err := s.Consume(ctx, id, "update_price", "t1", "u1", now)
	if !errors.Is(err, domain.ErrPlanExpired) {
		t.Fatalf("err = %v, want ErrPlanExpired", err)
	}
	_, err = s.Consume(ctx, id, "update_price", "t1", "u1", now)
	if !errors.Is(err, domain.ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound after expiry delete", err)
	}
}

func TestRedisPlanStore_MismatchesKeepPlan(t *testing.T) {
	s := NewRedisPlanStore(newTestRedis(t))
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()

	if err := s.Put(ctx, redisTestPlan(id, now.Add(5*time.Minute))); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name                   string
		tool, tenantID, userID string
		want                   error
	}{
		{"tenant", "update_price", "t2", "u1", domain.ErrPlanTenantMismatch},
		{"user", "update_price", "t1", "u2", domain.ErrPlanUserMismatch},
		{"tool", "delete_product", "t1", "u1", domain.ErrPlanToolMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Consume(ctx, id, tt.tool, tt.tenantID, tt.userID, now)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// The rightful owner still commits after every mismatch.
	if _, err := s.Consume(ctx, id, "update_price", "t1", "u1", now); err != nil {
		t.Fatalf("owner consume: %v", err)
	}
}

func TestRedisPlanStore_Discard(t *testing.T) {
	s := NewRedisPlanStore(newTestRedis(t))
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()

	if err := s.Put(ctx, redisTestPlan(id, now.Add(5*time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := s.Discard(ctx, id, "t2", "u1"); !errors.Is(err, domain.ErrPlanTenantMismatch) {
		t.Fatalf("foreign discard: err = %v, want ErrPlanTenantMismatch", err)
	}
	if err := s.Discard(ctx, id, "t1", "u1"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := s.Discard(ctx, id, "t1", "u1"); !errors.Is(err, domain.ErrPlanNotFound) {
		t.Fatalf("repeat discard: err = %v, want ErrPlanNotFound", err)
	}
}

func TestRedisPlanStore_ImplementsPlanStore(t *testing.T) {
	var _ usecase.PlanStore = NewRedisPlanStore(newTestRedis(t))
}

func TestRedisStateStore_RoundTrip(t *testing.T) {
	client := newTestRedis(t)
	s := NewRedisStateStore(client, time.Hour, false)
	ctx := context.Background()
	key := "t1:u1:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), stateKeyPrefix+key) })

	if st, err := s.Get(ctx, key); err != nil || st != nil {
		t.Fatalf("Get absent = (%v, %v), want (nil, nil)", st, err)
	}

	in := &usecase.ConversationState{
		Resource: "products",
		Tool:     "search_products",
		Filters:  map[string]string{"category": "shoes"},
		Language: "en",
	}
	if err := s.Upsert(ctx, key, in); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Filters["category"] != "shoes" || got.Version != usecase.StateSchemaVersion {
		t.Errorf("state = %+v", got)
	}

	if err := s.Clear(ctx, key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if st, err := s.Get(ctx, key); err != nil || st != nil {
		t.Fatalf("Get after clear = (%v, %v), want (nil, nil)", st, err)
	}
}

func TestRedisStateStore_UnknownVersionTreatedAbsent(t *testing.T) {
	client := newTestRedis(t)
	s := NewRedisStateStore(client, time.Hour, false)
	ctx := context.Background()
	key := "t1:u1:" + uuid.NewString()

	raw, _ := json.Marshal(map[string]any{"v": 99, "resource": "products"})
	if err := client.Set(ctx, stateKeyPrefix+key, raw, time.Hour).Err(); err != nil {
		t.Fatal(err)
	}

	st, err := s.Get(ctx, key)
	if err != nil || st != nil {
		t.Fatalf("Get = (%v, %v), want (nil, nil) for unknown version", st, err)
	}
	// The unrecognized record is dropped, not left to confuse later reads.
	if n, _ := client.Exists(ctx, stateKeyPrefix+key).Result(); n != 0 {
		t.Error("unknown-version record should be deleted")
	}
}

func TestRedisStateStore_SlidingGetReArmsTTL(t *testing.T) {
	client := newTestRedis(t)
	s := NewRedisStateStore(client, time.Hour, true)
	ctx := context.Background()
	key := "t1:u1:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), stateKeyPrefix+key) })

	if err := s.Upsert(ctx, key, &usecase.ConversationState{Resource: "products"}); err != nil {
		t.Fatal(err)
	}
	// Shrink the TTL, then confirm a Get restores the full window.
	if err := client.Expire(ctx, stateKeyPrefix+key, time.Minute).Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); err != nil {
		t.Fatalf("Get: %v", err)
	}
	ttl, err := client.TTL(ctx, stateKeyPrefix+key).Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= time.Minute {
		t.Errorf("ttl = %v, want re-armed past the shrunk window", ttl)
	}
}
