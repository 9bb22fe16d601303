package domain

import "context"

// RowSet is a typed tabular result from the query executor.
type RowSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// QueryExecutor runs a named stored procedure with bound arguments.
// The implementation lives outside this core; the dispatcher only consumes it.
type QueryExecutor interface {
	Query(ctx context.Context, procedure string, args map[string]any) (*RowSet, error)
	Exec(ctx context.Context, procedure string, args map[string]any) (int64, error)
}

// AgentAction is what the model proposes next: either a tool call or a
// final textual answer, never both.
type AgentAction struct {
	FinalText string
	Call      *ToolCall
}

// LLMProvider returns the model's proposed next action given the results
// accumulated so far within the turn.
type LLMProvider interface {
	Name() string
	NextAction(ctx context.Context, ec *ExecContext, userMsg string, results []ResultEnvelope) (*AgentAction, error)
}
