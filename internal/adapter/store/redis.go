package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"datapilot/internal/domain"
	"datapilot/internal/usecase"
)

const (
	planKeyPrefix  = "datapilot:plan:"
	stateKeyPrefix = "datapilot:state:"
)

// consumePlanScript performs the conditional get-and-delete as one atomic
// step on the server. It returns {status, payload}: payload is only set when
// status is "ok". Mismatches leave the plan in place; expiry deletes it.
var consumePlanScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'tool', 'tenant_id', 'user_id', 'expires_at', 'payload')
if not v[1] then
    return {'not_found', ''}
end
if tonumber(v[4]) < tonumber(ARGV[4]) then
    redis.call('DEL', KEYS[1])
    return {'expired', ''}
end
if v[2] ~= ARGV[2] then
    return {'tenant_mismatch', ''}
end
if v[3] ~= ARGV[3] then
    return {'user_mismatch', ''}
end
if v[1] ~= ARGV[1] then
    return {'tool_mismatch', ''}
end
redis.call('DEL', KEYS[1])
return {'ok', v[5]}
`)

// discardPlanScript deletes a plan only when the owner matches.
var discardPlanScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'tenant_id', 'user_id')
if not v[1] then
    return 'not_found'
end
if v[1] ~= ARGV[1] then
    return 'tenant_mismatch'
end
if v[2] ~= ARGV[2] then
    return 'user_mismatch'
end
redis.call('DEL', KEYS[1])
return 'ok'
`)

// RedisPlanStore implements usecase.PlanStore on Redis, for deployments with
// more than one node. Plans are hashes with a key TTL as a backstop; the
// stored expires_at is the authoritative expiry so clock injection in tests
// and exact error codes keep working.
type RedisPlanStore struct {
	client *redis.Client
}

func NewRedisPlanStore(client *redis.Client) *RedisPlanStore {
	return &RedisPlanStore{client: client}
}

func (s *RedisPlanStore) Put(ctx context.Context, p *usecase.Plan) error {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("marshal plan payload: %w", err)
	}
	key := planKeyPrefix + p.ID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"tool", strings.ToLower(p.Tool),
		"tenant_id", p.TenantID,
		"user_id", p.UserID,
		"expires_at", p.ExpiresAt.Unix(),
		"payload", string(payloadJSON),
	)
	// Backstop TTL slightly past the logical expiry.
	pipe.ExpireAt(ctx, key, p.ExpiresAt.Add(time.Minute))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisPlanStore) Consume(ctx context.Context, id, expectTool, tenantID, userID string, now time.Time) (*usecase.Plan, error) {
	res, err := consumePlanScript.Run(ctx, s.client,
		[]string{planKeyPrefix + id},
		strings.ToLower(expectTool), tenantID, userID, now.Unix(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("consume plan script: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("consume plan script: unexpected reply %v", res)
	}
	status, _ := res[0].(string)
	if err := planStatusErr(status); err != nil {
		return nil, err
	}

	payloadJSON, _ := res[1].(string)
	p := &usecase.Plan{
		ID:       id,
		Tool:     strings.ToLower(expectTool),
		TenantID: tenantID,
		UserID:   userID,
	}
	if err := json.Unmarshal([]byte(payloadJSON), &p.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal plan payload: %w", err)
	}
	return p, nil
}

func (s *RedisPlanStore) Discard(ctx context.Context, id, tenantID, userID string) error {
	status, err := discardPlanScript.Run(ctx, s.client,
		[]string{planKeyPrefix + id}, tenantID, userID,
	).Text()
	if err != nil {
		return fmt.Errorf("discard plan script: %w", err)
	}
	return planStatusErr(status)
}

// Sweep is a no-op: Redis key TTLs reclaim expired plans server-side.
func (s *RedisPlanStore) Sweep(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func planStatusErr(status string) error {
	switch status {
	case "ok":
		return nil
	case "not_found":
		return domain.ErrPlanNotFound
	case "expired":
		return domain.ErrPlanExpired
	case "tenant_mismatch":
		return domain.ErrPlanTenantMismatch
	case "user_mismatch":
		return domain.ErrPlanUserMismatch
	case "tool_mismatch":
		return domain.ErrPlanToolMismatch
	default:
		return fmt.Errorf("plan store: unknown status %q", status)
	}
}

// RedisStateStore implements usecase.StateStore on Redis. Expiry rides on the
// key TTL; sliding mode re-arms the TTL on every successful Get.
type RedisStateStore struct {
	client  *redis.Client
	ttl     time.Duration
	sliding bool
}

func NewRedisStateStore(client *redis.Client, ttl time.Duration, sliding bool) *RedisStateStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStateStore{client: client, ttl: ttl, sliding: sliding}
}

func (s *RedisStateStore) Get(ctx context.Context, key string) (*usecase.ConversationState, error) {
	raw, err := s.client.Get(ctx, stateKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewDomainError("RedisStateStore.Get", domain.ErrStateStore, err.Error())
	}

	var st usecase.ConversationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// Corrupt record: treat as absent and drop it.
		_ = s.client.Del(ctx, stateKeyPrefix+key).Err()
		return nil, nil
	}
	if st.Version != usecase.StateSchemaVersion {
		_ = s.client.Del(ctx, stateKeyPrefix+key).Err()
		return nil, nil
	}
	if s.sliding {
		_ = s.client.Expire(ctx, stateKeyPrefix+key, s.ttl).Err()
	}
	return &st, nil
}

func (s *RedisStateStore) Upsert(ctx context.Context, key string, st *usecase.ConversationState) error {
	cp := *st
	cp.Version = usecase.StateSchemaVersion
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal conversation state: %w", err)
	}
	if err := s.client.Set(ctx, stateKeyPrefix+key, raw, s.ttl).Err(); err != nil {
		return domain.NewDomainError("RedisStateStore.Upsert", domain.ErrStateStore, err.Error())
	}
	return nil
}

func (s *RedisStateStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, stateKeyPrefix+key).Err(); err != nil {
		return domain.NewDomainError("RedisStateStore.Clear", domain.ErrStateStore, err.Error())
	}
	return nil
}
