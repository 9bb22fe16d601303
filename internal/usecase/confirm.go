package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"datapilot/internal/domain"
)

// Plan is a pending write captured at prepare time. The payload is replayed
// verbatim at commit; commit never reconstructs parameters from caller input.
type Plan struct {
	ID        string            `json:"id"`
	Tool      string            `json:"tool"`
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id"`
	ExpiresAt time.Time         `json:"expires_at"`
	Payload   map[string]string `json:"payload"`
}

// PlanStore persists pending plans. Consume must be atomic: the conditional
// checks and the delete happen as one logical step, so a plan is handed out
// at most once even under concurrent commits.
//
// Error contract for Consume:
//   - ErrPlanNotFound       — no plan with that id
//   - ErrPlanExpired        — past expiry (the plan is deleted)
//   - ErrPlanTenantMismatch — consuming tenant differs (plan kept)
//   - ErrPlanUserMismatch   — consuming user differs (plan kept)
//   - ErrPlanToolMismatch   — expected tool differs (plan kept)
type PlanStore interface {
	Put(ctx context.Context, p *Plan) error
	Consume(ctx context.Context, id, expectTool, tenantID, userID string, now time.Time) (*Plan, error)
	Discard(ctx context.Context, id, tenantID, userID string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryPlanStore is the single-node PlanStore: a mutex-guarded map with
// expiry handled at consume time plus an explicit sweep.
type MemoryPlanStore struct {
	mu    sync.Mutex
	plans map[string]*Plan
}

// NewMemoryPlanStore creates an empty in-process plan store.
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[string]*Plan)}
}

func (s *MemoryPlanStore) Put(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *MemoryPlanStore) Consume(_ context.Context, id, expectTool, tenantID, userID string, now time.Time) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	if now.After(p.ExpiresAt) {
		delete(s.plans, id)
		return nil, domain.ErrPlanExpired
	}
	if p.TenantID != tenantID {
		return nil, domain.ErrPlanTenantMismatch
	}
	if p.UserID != userID {
		return nil, domain.ErrPlanUserMismatch
	}
	if !strings.EqualFold(p.Tool, expectTool) {
		return nil, domain.ErrPlanToolMismatch
	}

	delete(s.plans, id)
	return p, nil
}

func (s *MemoryPlanStore) Discard(_ context.Context, id, tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[id]
	if !ok {
		return domain.ErrPlanNotFound
	}
	if p.TenantID != tenantID {
		return domain.ErrPlanTenantMismatch
	}
	if p.UserID != userID {
		return domain.ErrPlanUserMismatch
	}
	delete(s.plans, id)
	return nil
}

func (s *MemoryPlanStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.plans {
		if now.After(p.ExpiresAt) {
			delete(s.plans, id)
			removed++
		}
	}
	return removed, nil
}

// PlanService implements the two-phase write protocol:
// Prepared -> Committed, Prepared -> Expired, or Prepared -> Discarded.
// The server, not the model, holds the ground truth of what was agreed.
type PlanService struct {
	store  PlanStore
	ttl    time.Duration
	logger *slog.Logger
	audit  domain.AuditLogger // optional
	now    func() time.Time   // for testing
}

// NewPlanService creates a plan service with the given default TTL.
func NewPlanService(store PlanStore, ttl time.Duration, logger *slog.Logger, audit domain.AuditLogger) *PlanService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PlanService{store: store, ttl: ttl, logger: logger, audit: audit, now: time.Now}
}

// Prepare stores the exact write parameters and returns a confirmation
// token with an unguessable id and the expiry timestamp.
func (s *PlanService) Prepare(ctx context.Context, tool string, ec *domain.ExecContext, payload map[string]string) (*domain.ConfirmationToken, error) {
	const op = "PlanService.Prepare"

	p := &Plan{
		ID:        uuid.NewString(),
		Tool:      strings.ToLower(tool),
		TenantID:  ec.TenantID,
		UserID:    ec.UserID,
		ExpiresAt: s.now().Add(s.ttl),
		Payload:   payload,
	}
	if err := s.store.Put(ctx, p); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrPlanStore, err.Error())
	}

	s.logger.Debug("confirmation plan prepared", "tool", p.Tool, "expires_at", p.ExpiresAt)
	s.auditEvent(ctx, domain.AuditPlanPrepared, ec, p.Tool, "ok")

	return &domain.ConfirmationToken{
		ConfirmationID: p.ID,
		ExpiresAt:      p.ExpiresAt.Unix(),
		Preview:        payload,
	}, nil
}

// Consume atomically retrieves and destroys the plan, returning the payload
// captured at prepare time. Every failure is terminal for the plan id: the
// caller must re-prepare.
func (s *PlanService) Consume(ctx context.Context, planID, expectedTool string, ec *domain.ExecContext) (map[string]string, error) {
	const op = "PlanService.Consume"

	p, err := s.store.Consume(ctx, planID, strings.ToLower(expectedTool), ec.TenantID, ec.UserID, s.now())
	if err != nil {
		s.auditEvent(ctx, domain.AuditPlanCommit, ec, expectedTool, string(domain.ErrorCodeOf(err)))
		return nil, domain.NewDomainError(op, err, "plan "+planID)
	}

	s.auditEvent(ctx, domain.AuditPlanCommit, ec, p.Tool, "ok")
	return p.Payload, nil
}

// Discard cancels a pending plan explicitly.
func (s *PlanService) Discard(ctx context.Context, planID string, ec *domain.ExecContext) error {
	const op = "PlanService.Discard"

	if err := s.store.Discard(ctx, planID, ec.TenantID, ec.UserID); err != nil {
		return domain.NewDomainError(op, err, "plan "+planID)
	}
	s.auditEvent(ctx, domain.AuditPlanDiscard, ec, "", "ok")
	return nil
}

// SweepLoop deletes expired plans on the given interval until ctx is done.
// Intended to run as a background goroutine owned by the composition root.
func (s *PlanService) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.Sweep(ctx, s.now())
			if err != nil {
				s.logger.Warn("plan sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("expired plans swept", "count", n)
			}
		}
	}
}

func (s *PlanService) auditEvent(ctx context.Context, typ domain.AuditEventType, ec *domain.ExecContext, tool, outcome string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Log(ctx, domain.AuditEvent{
		Type:          typ,
		TenantID:      ec.TenantID,
		Actor:         ec.UserID,
		Tool:          tool,
		CorrelationID: ec.CorrelationID,
		Outcome:       outcome,
	})
}
