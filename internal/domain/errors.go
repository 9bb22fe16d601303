package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the orchestration core. Every error that leaves the
// dispatcher wraps exactly one of these so callers can branch on kind.
var (
	ErrToolNotFound    = fmt.Errorf("unknown tool")
	ErrInvalidArgument = fmt.Errorf("invalid tool argument")
	ErrUnauthorized    = fmt.Errorf("forbidden: insufficient roles")
	ErrRateLimited     = fmt.Errorf("rate limit exceeded")
	ErrBreakerTripped  = fmt.Errorf("auto-invocation circuit breaker tripped")
	ErrMaxTurns        = fmt.Errorf("turn reached max iterations")

	// Confirmation plan consumption failures. All terminal: the caller
	// must re-prepare.
	ErrPlanNotFound       = fmt.Errorf("confirmation plan not found")
	ErrPlanExpired        = fmt.Errorf("confirmation plan expired")
	ErrPlanToolMismatch   = fmt.Errorf("confirmation plan tool mismatch")
	ErrPlanTenantMismatch = fmt.Errorf("confirmation plan tenant mismatch")
	ErrPlanUserMismatch   = fmt.Errorf("confirmation plan user mismatch")

	// Infrastructure failures.
	ErrStateStore      = fmt.Errorf("conversation state store failed")
	ErrPlanStore       = fmt.Errorf("confirmation plan store failed")
	ErrExecutorFailure = fmt.Errorf("query executor failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrAuditWrite      = fmt.Errorf("audit log write failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Dispatcher.Dispatch")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail, safe to surface to the caller
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RateLimitError carries retry-after semantics alongside ErrRateLimited.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Key, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ErrorCode is a machine-parseable error category for monitoring and for
// the structured feedback envelopes returned to the model.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeBreakerTripped     ErrorCode = "CIRCUIT_BREAKER_TRIPPED"
	CodeMaxTurns           ErrorCode = "MAX_TURNS"
	CodePlanNotFound       ErrorCode = "PLAN_NOT_FOUND"
	CodePlanExpired        ErrorCode = "PLAN_EXPIRED"
	CodePlanToolMismatch   ErrorCode = "PLAN_TOOL_MISMATCH"
	CodePlanTenantMismatch ErrorCode = "PLAN_TENANT_MISMATCH"
	CodePlanUserMismatch   ErrorCode = "PLAN_USER_MISMATCH"
	CodeStateStore         ErrorCode = "STATE_STORE"
	CodePlanStore          ErrorCode = "PLAN_STORE"
	CodeExecutorFailure    ErrorCode = "EXECUTOR_FAILURE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrToolNotFound:       CodeToolNotFound,
	ErrInvalidArgument:    CodeInvalidArgument,
	ErrUnauthorized:       CodeUnauthorized,
	ErrRateLimited:        CodeRateLimited,
	ErrBreakerTripped:     CodeBreakerTripped,
	ErrMaxTurns:           CodeMaxTurns,
	ErrPlanNotFound:       CodePlanNotFound,
	ErrPlanExpired:        CodePlanExpired,
	ErrPlanToolMismatch:   CodePlanToolMismatch,
	ErrPlanTenantMismatch: CodePlanTenantMismatch,
	ErrPlanUserMismatch:   CodePlanUserMismatch,
	ErrStateStore:         CodeStateStore,
	ErrPlanStore:          CodePlanStore,
	ErrExecutorFailure:    CodeExecutorFailure,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrAuditWrite:         CodeAuditWrite,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// IsTerminalForRequest reports whether err ends the whole request, not just
// the current call. Breaker trips must never be retried within the turn.
func IsTerminalForRequest(err error) bool {
	return errors.Is(err, ErrBreakerTripped) || errors.Is(err, ErrMaxTurns)
}
