package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents the model's request to invoke a tool. Arguments are a
// flat JSON object; nested objects are only permitted for explicitly typed
// map-valued arguments.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Intent is the typed, validated result of argument checking for one call.
// Created per call, immutable, discarded after dispatch.
type Intent struct {
	Tool     string
	Filters  map[string]string // raw filter mapping; blank value = clear that filter
	Page     int
	PageSize int
	Args     map[string]any // scalar arguments after coercion
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Content     string `json:"content"`
	IsError     bool   `json:"is_error"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// ResultEnvelope is what the dispatcher hands back per call. Correlation
// and conversation IDs are echoed unchanged so multi-turn state can be
// located deterministically.
type ResultEnvelope struct {
	CorrelationID  string      `json:"correlationId"`
	ConversationID string      `json:"conversationId"`
	Tool           string      `json:"tool"`
	Result         *ToolResult `json:"result,omitempty"`
	ErrorCode      ErrorCode   `json:"errorCode,omitempty"`
	Error          string      `json:"error,omitempty"`
	Terminal       bool        `json:"terminal,omitempty"` // no further calls accepted this request
}

// ToolHandler executes a validated intent. Handlers never see raw arguments.
type ToolHandler interface {
	Execute(ctx context.Context, ec *ExecContext, intent Intent) (*ToolResult, error)
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, ec *ExecContext, intent Intent) (*ToolResult, error)

func (f ToolHandlerFunc) Execute(ctx context.Context, ec *ExecContext, intent Intent) (*ToolResult, error) {
	return f(ctx, ec, intent)
}

// ToolMeta is the dispatch-facing view of a registered tool.
type ToolMeta struct {
	Name          string
	Resource      string // queryable resource this tool filters, "" if none
	RequiresWrite bool
	Handler       ToolHandler
}

// ConfirmationToken is surfaced to the caller after a successful prepare.
// Commit takes only the ID back.
type ConfirmationToken struct {
	ConfirmationID string            `json:"confirmationId"`
	ExpiresAt      int64             `json:"expiresAt"` // unix seconds
	Preview        map[string]string `json:"preview"`
}
