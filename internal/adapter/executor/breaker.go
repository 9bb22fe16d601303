package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"datapilot/internal/domain"
)

// Default circuit breaker settings for the backend executor.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the executor circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// CircuitBreakerExecutor wraps a domain.QueryExecutor so a failing backend
// fails fast instead of absorbing retry storms from every conversation at
// once. Query and Exec share one breaker: the backend is one dependency.
type CircuitBreakerExecutor struct {
	inner   domain.QueryExecutor
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewCircuitBreakerExecutor wraps inner with a circuit breaker.
// Zero-valued cfg fields fall back to defaults.
func NewCircuitBreakerExecutor(inner domain.QueryExecutor, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerExecutor {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "backend-executor",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerExecutor{inner: inner, breaker: cb, logger: logger}
}

func (e *CircuitBreakerExecutor) Query(ctx context.Context, procedure string, args map[string]any) (*domain.RowSet, error) {
	res, err := e.breaker.Execute(func() (any, error) {
		return e.inner.Query(ctx, procedure, args)
	})
	if err != nil {
		return nil, e.wrap(err)
	}
	return res.(*domain.RowSet), nil
}

func (e *CircuitBreakerExecutor) Exec(ctx context.Context, procedure string, args map[string]any) (int64, error) {
	res, err := e.breaker.Execute(func() (any, error) {
		return e.inner.Exec(ctx, procedure, args)
	})
	if err != nil {
		return 0, e.wrap(err)
	}
	return res.(int64), nil
}

func (e *CircuitBreakerExecutor) wrap(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return domain.NewDomainError("executor", domain.ErrExecutorFailure,
			fmt.Sprintf("backend circuit open: %v", err))
	}
	return err
}

// State returns the current breaker state for monitoring.
func (e *CircuitBreakerExecutor) State() gobreaker.State {
	return e.breaker.State()
}

// Counts returns the current failure and success counts.
func (e *CircuitBreakerExecutor) Counts() gobreaker.Counts {
	return e.breaker.Counts()
}

var _ domain.QueryExecutor = (*CircuitBreakerExecutor)(nil)
