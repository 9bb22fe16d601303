package usecase

import (
	"context"
	"errors"
	"testing"

	"datapilot/internal/domain"
)

// scriptedLLM replays a fixed sequence of actions.
type scriptedLLM struct {
	actions []domain.AgentAction
	i       int
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) NextAction(_ context.Context, _ *domain.ExecContext, _ string, _ []domain.ResultEnvelope) (*domain.AgentAction, error) {
	if s.i >= len(s.actions) {
		// Loop forever on the last action, like a model stuck in a rut.
		return &s.actions[len(s.actions)-1], nil
	}
	a := s.actions[s.i]
	s.i++
	return &a, nil
}

func searchCall() *domain.ToolCall {
	return &domain.ToolCall{Name: "search_products", Arguments: map[string]any{}}
}

func TestTurnRunner_FinalAnswerAfterCalls(t *testing.T) {
	reg := &fakeRegistry{writeTool: "update_price"}
	d, _ := newTestDispatcher(t, reg, 100)
	llm := &scriptedLLM{actions: []domain.AgentAction{
		{Call: searchCall()},
		{FinalText: "Here are your boots."},
	}}
	runner := NewTurnRunner(llm, d, DefaultGuardConfig(), 16, discardLogger())

	text, envs, err := runner.RunTurn(context.Background(), ecWithRoles(domain.RoleViewer), "find boots")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if text != "Here are your boots." {
		t.Errorf("text = %q", text)
	}
	if len(envs) != 1 {
		t.Fatalf("envelopes = %d, want 1", len(envs))
	}
	if envs[0].Tool != "search_products" || envs[0].Result == nil {
		t.Errorf("envelope = %+v", envs[0])
	}
}

func TestTurnRunner_BreakerTripEndsTurn(t *testing.T) {
	reg := &fakeRegistry{writeTool: "update_price"}
	d, _ := newTestDispatcher(t, reg, 100)
	llm := &scriptedLLM{actions: []domain.AgentAction{
		{Call: searchCall()},
	}}
	runner := NewTurnRunner(llm, d, GuardConfig{MaxCalls: 12, MaxRepeats: 2}, 16, discardLogger())

	_, envs, err := runner.RunTurn(context.Background(), ecWithRoles(domain.RoleViewer), "loop")
	if !errors.Is(err, domain.ErrBreakerTripped) {
		t.Fatalf("err = %v, want ErrBreakerTripped", err)
	}
	last := envs[len(envs)-1]
	if !last.Terminal {
		t.Error("final envelope should be terminal")
	}
	// Two admitted identical calls, then the trip envelope.
	if len(envs) != 3 {
		t.Errorf("envelopes = %d, want 3", len(envs))
	}
}

func TestTurnRunner_IterationCeiling(t *testing.T) {
	reg := &fakeRegistry{writeTool: "update_price"}
	d, _ := newTestDispatcher(t, reg, 100)

	// Distinct calls each iteration, so neither guard ceiling can fire first.
	i := 0
	llm := domain.LLMProvider(&countingLLM{next: &i})
	runner := NewTurnRunner(llm, d, GuardConfig{MaxCalls: 100, MaxRepeats: 100}, 4, discardLogger())

	_, envs, err := runner.RunTurn(context.Background(), ecWithRoles(domain.RoleViewer), "never stop")
	if !errors.Is(err, domain.ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}
	if len(envs) != 4 {
		t.Errorf("envelopes = %d, want 4", len(envs))
	}
}

func TestTurnRunner_ContextCancellation(t *testing.T) {
	reg := &fakeRegistry{writeTool: "update_price"}
	d, _ := newTestDispatcher(t, reg, 100)
	llm := &scriptedLLM{actions: []domain.AgentAction{{Call: searchCall()}}}
	runner := NewTurnRunner(llm, d, DefaultGuardConfig(), 16, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := runner.RunTurn(ctx, ecWithRoles(domain.RoleViewer), "q")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// countingLLM emits a unique search call per iteration and never finishes.
type countingLLM struct {
	next *int
}

func (c *countingLLM) Name() string { return "counting" }

func (c *countingLLM) NextAction(_ context.Context, _ *domain.ExecContext, _ string, _ []domain.ResultEnvelope) (*domain.AgentAction, error) {
	*c.next++
	return &domain.AgentAction{Call: &domain.ToolCall{
		Name:      "search_products",
		Arguments: map[string]any{"filters": map[string]string{"category": "outdoor"}, "n": *c.next},
	}}, nil
}
