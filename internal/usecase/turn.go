package usecase

import (
	"context"
	"log/slog"

	"datapilot/internal/domain"
	"datapilot/internal/infra/tracer"
)

// TurnRunner drives one conversational turn: it feeds the model's proposed
// actions through the dispatcher until the model produces a final answer,
// the circuit breaker trips, or the iteration ceiling is reached. The model
// is treated as an adversarial, effectively infinite generator of calls;
// the runner's job is to bound total work, not to understand the looping.
type TurnRunner struct {
	llm      domain.LLMProvider
	disp     *Dispatcher
	guardCfg GuardConfig
	maxIters int
	logger   *slog.Logger
}

// NewTurnRunner creates a runner. maxIters bounds the orchestration loop
// itself, independently of the per-request call ceilings inside the guard.
func NewTurnRunner(llm domain.LLMProvider, disp *Dispatcher, guardCfg GuardConfig, maxIters int, logger *slog.Logger) *TurnRunner {
	if maxIters <= 0 {
		maxIters = 16
	}
	return &TurnRunner{llm: llm, disp: disp, guardCfg: guardCfg, maxIters: maxIters, logger: logger}
}

// RunTurn processes one user message. It returns the final text plus every
// per-call envelope produced along the way; on breaker trip or iteration
// exhaustion the envelopes are still returned for diagnostics.
func (r *TurnRunner) RunTurn(ctx context.Context, ec *domain.ExecContext, userMsg string) (string, []domain.ResultEnvelope, error) {
	ctx, span := tracer.StartSpan(ctx, "turn.run")
	defer span.End()

	ctx = domain.ContextWithExec(ctx, ec)
	guard := NewInvocationGuard(r.guardCfg)

	var envelopes []domain.ResultEnvelope
	for i := 0; i < r.maxIters; i++ {
		if err := ctx.Err(); err != nil {
			return "", envelopes, err
		}

		action, err := r.llm.NextAction(ctx, ec, userMsg, envelopes)
		if err != nil {
			tracer.RecordError(span, err)
			return "", envelopes, domain.WrapOp("TurnRunner.RunTurn", err)
		}

		if action.Call == nil {
			tracer.SetOK(span)
			return action.FinalText, envelopes, nil
		}

		env := r.disp.Dispatch(ctx, ec, guard, *action.Call)
		envelopes = append(envelopes, *env)

		if env.Terminal {
			// No further tool calls are accepted for this request,
			// regardless of what the model asks next.
			err := domain.NewDomainError("TurnRunner.RunTurn", domain.ErrBreakerTripped, env.Error)
			tracer.RecordError(span, err)
			return "", envelopes, err
		}
	}

	err := domain.NewDomainError("TurnRunner.RunTurn", domain.ErrMaxTurns, "")
	tracer.RecordError(span, err)
	r.logger.Warn("turn hit iteration ceiling",
		"max_iters", r.maxIters, "correlation_id", ec.CorrelationID)
	return "", envelopes, err
}
