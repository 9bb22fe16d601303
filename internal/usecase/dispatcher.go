package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"datapilot/internal/domain"
	"datapilot/internal/infra/tracer"
)

// ToolRegistry is the whitelist of invocable tools as the dispatcher sees
// it. Implemented by adapter/tool.Registry.
type ToolRegistry interface {
	IsWhitelisted(name string) bool
	Validate(name string, raw map[string]any) (domain.Intent, error)
	Meta(name string) (domain.ToolMeta, bool)
	Schemas() []domain.ToolSchema
}

// DispatcherDeps holds injected dependencies for the dispatcher.
type DispatcherDeps struct {
	Registry ToolRegistry
	Policy   *AccessPolicy
	Limiter  *CallerLimiter
	Filters  *FilterCatalog
	States   StateStore
	Logger   *slog.Logger
	Audit    domain.AuditLogger // optional, nil = no audit
}

// Dispatcher runs each proposed tool call through the guardrail pipeline:
// rate-limit check, registry validation, authorization, circuit-breaker
// accounting, handler execution, result envelope construction. A single
// call is synchronous end-to-end with no internal fan-out.
type Dispatcher struct {
	deps DispatcherDeps
}

// NewDispatcher creates a dispatcher with the given dependencies.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{deps: deps}
}

// Dispatch executes one proposed call under the guardrails. It never
// returns a Go error: every failure is classified into the envelope so the
// model receives structured feedback it can act on. Terminal envelopes mean
// no further calls are accepted for this request.
func (d *Dispatcher) Dispatch(ctx context.Context, ec *domain.ExecContext, guard *InvocationGuard, call domain.ToolCall) *domain.ResultEnvelope {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.dispatch",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("correlation.id", ec.CorrelationID),
		),
	)
	defer span.End()

	// 1. Admission: per-caller sliding window.
	if err := d.deps.Limiter.Allow(ec.LimiterKey()); err != nil {
		d.audit(ctx, domain.AuditRateLimited, ec, call.Name, "rejected", nil)
		return d.fail(span, ec, call.Name, err, false)
	}

	// 2. Registry: unknown tool is a distinct failure from bad arguments so
	// callers can branch (hide vs report).
	if !d.deps.Registry.IsWhitelisted(call.Name) {
		err := domain.NewDomainError("Dispatcher.Dispatch", domain.ErrToolNotFound, call.Name)
		return d.fail(span, ec, call.Name, err, false)
	}
	intent, err := d.deps.Registry.Validate(call.Name, call.Arguments)
	if err != nil {
		return d.fail(span, ec, call.Name, err, false)
	}
	meta, ok := d.deps.Registry.Meta(call.Name)
	if !ok {
		err := domain.NewDomainError("Dispatcher.Dispatch", domain.ErrToolNotFound, call.Name)
		return d.fail(span, ec, call.Name, err, false)
	}

	// 3. Authorization, fail closed.
	if meta.RequiresWrite {
		err = d.deps.Policy.EnsureWriteAllowed(meta.Name, ec)
	} else {
		err = d.deps.Policy.EnsureReadAllowed(meta.Name, ec)
	}
	if err != nil {
		d.audit(ctx, domain.AuditToolDenied, ec, meta.Name, "unauthorized", nil)
		return d.fail(span, ec, call.Name, err, false)
	}

	// 4. Circuit-breaker accounting. A trip replaces the tool result with
	// the machine-readable envelope and terminates the request.
	if err := guard.Observe(call); err != nil {
		d.audit(ctx, domain.AuditBreakerTrip, ec, meta.Name, guard.Tripped().Reason, nil)
		tracer.RecordError(span, err)
		d.deps.Logger.Warn("circuit breaker tripped",
			"tool", meta.Name,
			"reason", guard.Tripped().Reason,
			"calls", guard.Tripped().Calls,
			"correlation_id", ec.CorrelationID,
		)
		return &domain.ResultEnvelope{
			CorrelationID:  ec.CorrelationID,
			ConversationID: ec.ConversationID,
			Tool:           call.Name,
			Result:         &domain.ToolResult{Content: guard.Envelope(), IsError: true},
			ErrorCode:      domain.CodeBreakerTripped,
			Error:          err.Error(),
			Terminal:       true,
		}
	}

	// 5. Compose filters with remembered conversation state.
	intent, rejected := d.composeFilters(ctx, ec, meta, intent)
	if len(rejected) > 0 {
		d.deps.Logger.Debug("unrecognized filter keys dropped",
			"tool", meta.Name, "rejected", strings.Join(rejected, ","))
	}

	// 6. Handler execution.
	result, err := d.execute(ctx, ec, meta, intent)
	if err != nil {
		d.audit(ctx, domain.AuditToolDispatch, ec, meta.Name, string(domain.ErrorCodeOf(err)), nil)
		return d.fail(span, ec, call.Name, err, domain.IsTerminalForRequest(err))
	}

	// 7. Remember the query shape after a successful read so follow-up
	// turns compose. Write tools never overwrite conversation state.
	if !meta.RequiresWrite && meta.Resource != "" {
		st := &ConversationState{
			Resource: meta.Resource,
			Tool:     meta.Name,
			Filters:  intent.Filters,
			Language: ec.Language,
		}
		if err := d.deps.States.Upsert(ctx, ec.SessionKey(), st); err != nil {
			d.deps.Logger.Warn("conversation state upsert failed",
				"error", err, "correlation_id", ec.CorrelationID)
		}
	}

	d.audit(ctx, domain.AuditToolDispatch, ec, meta.Name, "ok", map[string]string{
		"requires_write": fmt.Sprintf("%v", meta.RequiresWrite),
	})
	tracer.SetOK(span)

	return &domain.ResultEnvelope{
		CorrelationID:  ec.CorrelationID,
		ConversationID: ec.ConversationID,
		Tool:           meta.Name,
		Result:         result,
	}
}

// composeFilters merges the new turn's filters onto the remembered base for
// the tool's resource. Tools without a resource pass through untouched.
func (d *Dispatcher) composeFilters(ctx context.Context, ec *domain.ExecContext, meta domain.ToolMeta, intent domain.Intent) (domain.Intent, []string) {
	if meta.Resource == "" || !d.deps.Filters.KnowsResource(meta.Resource) {
		return intent, nil
	}

	var base map[string]string
	st, err := d.deps.States.Get(ctx, ec.SessionKey())
	if err != nil {
		d.deps.Logger.Warn("conversation state read failed",
			"error", err, "correlation_id", ec.CorrelationID)
	} else if st != nil && st.Resource == meta.Resource {
		base = st.Filters
	}

	merged, rejected := d.deps.Filters.MergePatch(meta.Resource, base, intent.Filters)
	intent.Filters = merged
	return intent, rejected
}

// execute runs the handler inside a span with panic containment: nothing
// escapes the dispatcher unclassified.
func (d *Dispatcher) execute(ctx context.Context, ec *domain.ExecContext, meta domain.ToolMeta, intent domain.Intent) (result *domain.ToolResult, err error) {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.execute",
		trace.WithAttributes(tracer.StringAttr("tool.name", meta.Name)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", meta.Name, r)
			tracer.RecordError(span, err)
			d.deps.Logger.Error("tool handler panic",
				"tool", meta.Name, "panic", fmt.Sprintf("%v", r),
				"correlation_id", ec.CorrelationID)
		}
	}()

	result, err = meta.Handler.Execute(ctx, ec, intent)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return result, nil
}

// fail classifies err into an envelope. Unclassified errors are logged at
// error level; everything else is expected control flow.
func (d *Dispatcher) fail(span trace.Span, ec *domain.ExecContext, tool string, err error, terminal bool) *domain.ResultEnvelope {
	code := domain.ErrorCodeOf(err)
	tracer.RecordError(span, err)

	if code == domain.CodeUnknown {
		d.deps.Logger.Error("unclassified dispatch failure",
			"tool", tool, "error", err, "correlation_id", ec.CorrelationID)
	} else {
		d.deps.Logger.Debug("dispatch rejected",
			"tool", tool, "code", string(code), "correlation_id", ec.CorrelationID)
	}

	env := &domain.ResultEnvelope{
		CorrelationID:  ec.CorrelationID,
		ConversationID: ec.ConversationID,
		Tool:           tool,
		ErrorCode:      code,
		Error:          err.Error(),
		Terminal:       terminal,
	}

	var rle *domain.RateLimitError
	if errors.As(err, &rle) {
		env.Error = fmt.Sprintf("%s (retry after %s)", domain.ErrRateLimited, rle.RetryAfter)
	}
	return env
}

func (d *Dispatcher) audit(ctx context.Context, typ domain.AuditEventType, ec *domain.ExecContext, tool, outcome string, detail map[string]string) {
	if d.deps.Audit == nil {
		return
	}
	if err := d.deps.Audit.Log(ctx, domain.AuditEvent{
		Type:          typ,
		TenantID:      ec.TenantID,
		Actor:         ec.UserID,
		Tool:          tool,
		CorrelationID: ec.CorrelationID,
		Outcome:       outcome,
		Detail:        detail,
	}); err != nil {
		d.deps.Logger.Warn("audit write failed", "error", err)
	}
}
