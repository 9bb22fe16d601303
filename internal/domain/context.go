package domain

import (
	"context"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ExecContext carries the identity and correlation data for one inbound
// request. It is owned by the request and passed by reference to every
// component; nothing mutates it after construction.
type ExecContext struct {
	TenantID       string
	UserID         string
	Roles          []Role
	ConversationID string
	CorrelationID  string

	// CallerKey identifies the caller for rate limiting, typically the
	// remote address. Falls back to tenant+user when empty.
	CallerKey string

	// Language is the caller's preferred language hint, if known.
	Language string
}

// NewExecContext builds an ExecContext, assigning a fresh correlation ID
// (and conversation ID when the caller did not supply one).
func NewExecContext(tenantID, userID string, roles []Role, conversationID string) *ExecContext {
	if conversationID == "" {
		conversationID = NewID()
	}
	return &ExecContext{
		TenantID:       tenantID,
		UserID:         userID,
		Roles:          roles,
		ConversationID: conversationID,
		CorrelationID:  NewID(),
	}
}

// SessionKey returns the conversation-state key for this request.
func (ec *ExecContext) SessionKey() string {
	return ec.TenantID + "|" + ec.UserID + "|" + ec.ConversationID
}

// LimiterKey returns the rate-limiter key for this caller.
func (ec *ExecContext) LimiterKey() string {
	if ec.CallerKey != "" {
		return ec.CallerKey
	}
	return ec.TenantID + "|" + ec.UserID
}

// NewID generates a ULID. Used for conversation and correlation IDs; these
// only need uniqueness and sortability, not unguessability.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

type ctxKey string

const execCtxKey ctxKey = "exec_context"

// ContextWithExec returns a new context carrying the execution context.
func ContextWithExec(ctx context.Context, ec *ExecContext) context.Context {
	return context.WithValue(ctx, execCtxKey, ec)
}

// ExecFromContext extracts the execution context. Returns nil if not set.
func ExecFromContext(ctx context.Context) *ExecContext {
	if v, ok := ctx.Value(execCtxKey).(*ExecContext); ok {
		return v
	}
	return nil
}
