package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditToolDispatch AuditEventType = "tool_dispatch"
	AuditToolDenied   AuditEventType = "tool_denied"
	AuditPlanPrepared AuditEventType = "plan_prepared"
	AuditPlanCommit   AuditEventType = "plan_commit"
	AuditPlanDiscard  AuditEventType = "plan_discard"
	AuditBreakerTrip  AuditEventType = "breaker_trip"
	AuditRateLimited  AuditEventType = "rate_limited"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp     time.Time         `json:"timestamp"`
	Type          AuditEventType    `json:"type"`
	TenantID      string            `json:"tenant_id,omitempty"`
	Actor         string            `json:"actor,omitempty"`
	Tool          string            `json:"tool,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Outcome       string            `json:"outcome,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
}

// AuditLogger writes audit events to a persistent sink for compliance.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
