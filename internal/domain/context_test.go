package domain

import (
	"context"
	"testing"
)

func TestNewExecContextAssignsIDs(t *testing.T) {
	ec := NewExecContext("acme", "u1", []Role{RoleAnalyst}, "")
	if ec.ConversationID == "" {
		t.Error("expected generated conversation ID")
	}
	if ec.CorrelationID == "" {
		t.Error("expected generated correlation ID")
	}

	ec2 := NewExecContext("acme", "u1", nil, "conv-7")
	if ec2.ConversationID != "conv-7" {
		t.Errorf("caller-supplied conversation ID must be kept, got %q", ec2.ConversationID)
	}
}

func TestSessionKey(t *testing.T) {
	ec := NewExecContext("acme", "u1", nil, "c1")
	if ec.SessionKey() != "acme|u1|c1" {
		t.Errorf("unexpected session key %q", ec.SessionKey())
	}
}

func TestLimiterKeyFallback(t *testing.T) {
	ec := NewExecContext("acme", "u1", nil, "c1")
	if ec.LimiterKey() != "acme|u1" {
		t.Errorf("expected tenant|user fallback, got %q", ec.LimiterKey())
	}
	ec.CallerKey = "203.0.113.9"
	if ec.LimiterKey() != "203.0.113.9" {
		t.Errorf("expected caller key, got %q", ec.LimiterKey())
	}
}

func TestExecContextRoundTrip(t *testing.T) {
	ec := NewExecContext("acme", "u1", nil, "c1")
	ctx := ContextWithExec(context.Background(), ec)
	if got := ExecFromContext(ctx); got != ec {
		t.Error("expected same ExecContext back")
	}
	if got := ExecFromContext(context.Background()); got != nil {
		t.Error("expected nil on bare context")
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 26 {
			t.Fatalf("ULID should be 26 chars, got %d", len(id))
		}
		if seen[id] {
			t.Fatal("duplicate ULID generated")
		}
		seen[id] = true
	}
}
