package usecase

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"datapilot/internal/domain"
)

// Trip reasons returned to the model inside the breaker envelope.
const (
	ReasonTooManyCalls     = "too_many_calls"
	ReasonRepeatedSameCall = "repeated_same_call"
)

// GuardConfig holds the auto-invocation ceilings.
type GuardConfig struct {
	MaxCalls   int // total tool calls per request
	MaxRepeats int // identical-signature calls per request
}

// DefaultGuardConfig returns the production ceilings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{MaxCalls: 12, MaxRepeats: 3}
}

// Trip records why and when the guard fired.
type Trip struct {
	Reason    string `json:"reason"`
	Calls     int    `json:"calls"`
	Signature string `json:"signature,omitempty"`
}

// InvocationGuard bounds the model's tool-call volume and detects
// non-progress within a single request. State is request-scoped: create one
// guard per inbound request and discard it when the request completes.
// It is not safe for concurrent use and does not need to be: dispatch of a
// single request is synchronous end-to-end.
type InvocationGuard struct {
	cfg     GuardConfig
	total   int
	bySig   map[string]int
	tripped *Trip
}

// NewInvocationGuard creates a guard for one request.
func NewInvocationGuard(cfg GuardConfig) *InvocationGuard {
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = DefaultGuardConfig().MaxCalls
	}
	if cfg.MaxRepeats <= 0 {
		cfg.MaxRepeats = DefaultGuardConfig().MaxRepeats
	}
	return &InvocationGuard{cfg: cfg, bySig: make(map[string]int)}
}

// Observe accounts for one proposed call before it executes. Once the guard
// trips, every subsequent call is rejected for the remainder of the request.
func (g *InvocationGuard) Observe(call domain.ToolCall) error {
	const op = "InvocationGuard.Observe"

	if g.tripped != nil {
		return domain.NewDomainError(op, domain.ErrBreakerTripped, g.tripped.Reason)
	}

	g.total++
	if g.total > g.cfg.MaxCalls {
		g.tripped = &Trip{Reason: ReasonTooManyCalls, Calls: g.total}
		return domain.NewDomainError(op, domain.ErrBreakerTripped, ReasonTooManyCalls)
	}

	sig := CallSignature(call)
	g.bySig[sig]++
	if g.bySig[sig] > g.cfg.MaxRepeats {
		g.tripped = &Trip{Reason: ReasonRepeatedSameCall, Calls: g.total, Signature: sig}
		return domain.NewDomainError(op, domain.ErrBreakerTripped, ReasonRepeatedSameCall)
	}

	return nil
}

// Tripped returns trip details, or nil while the guard is still closed.
func (g *InvocationGuard) Tripped() *Trip { return g.tripped }

// TotalCalls returns the number of calls observed so far.
func (g *InvocationGuard) TotalCalls() int { return g.total }

// Envelope renders the machine-readable trip payload handed to the model in
// place of a tool result. It is structured JSON, never narrative text the
// model could parrot back as genuine tool output.
func (g *InvocationGuard) Envelope() string {
	payload := struct {
		CircuitBreaker bool   `json:"circuitBreaker"`
		Reason         string `json:"reason"`
		Calls          int    `json:"calls"`
		Signature      string `json:"signature,omitempty"`
	}{CircuitBreaker: true}

	if g.tripped != nil {
		payload.Reason = g.tripped.Reason
		payload.Calls = g.tripped.Calls
		payload.Signature = g.tripped.Signature
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal of a flat struct cannot fail; keep a static fallback anyway.
		return `{"circuitBreaker":true,"reason":"unknown"}`
	}
	return string(data)
}

// CallSignature renders a deterministic identity for a call: tool name plus
// lexically ordered argName=argValue pairs, so semantically identical calls
// compare equal regardless of caller-supplied key order.
func CallSignature(call domain.ToolCall) string {
	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+renderArg(call.Arguments[k]))
	}
	return call.Name + "(" + strings.Join(parts, ",") + ")"
}

// renderArg produces a stable textual form for an argument value.
// encoding/json sorts map keys, which keeps nested maps deterministic.
func renderArg(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
