// Package retry provides exponential backoff retry logic.
//
// The executor is oblivious to why an operation failed: every returned error is
// retried until the policy's attempt budget runs out, unless the operation marks
// the error with Stop. Classifying errors is the caller's job.
//
// # Usage
//
//	policy := retry.Policy{
//		MaxAttempts:       3,
//		InitialDelay:      10 * time.Millisecond,
//		BackoffMultiplier: 2,
//	}
//
//	rows, err := retry.Do(ctx, nil, policy, func(ctx context.Context) (int, error) {
//		return countUsers(ctx)
//	})
//
// With the policy above an operation that always fails is invoked three times,
// sleeping 10ms and then 20ms in between, and the result is a
// *errors.RetriesExhaustedError wrapping the last failure.
//
// # Testing
//
// Executors accept an injectable sleep function so tests run without wall-clock delay:
//
//	exec := retry.NewExecutor(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
//		slept = append(slept, d)
//		return nil
//	}))
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/pgkeeper/logger"
	pkgerrors "github.com/migadu/pgkeeper/pkg/errors"
	"github.com/migadu/pgkeeper/pkg/metrics"
)

// Policy is a pure value describing how an operation is retried.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration // Zero means uncapped
	Jitter            bool
	OperationName     string
}

// DefaultPolicy is used for ordinary caller queries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
		OperationName:     "db_query",
	}
}

// Delay returns the pause after the given failed attempt (1-based):
// InitialDelay * BackoffMultiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	interval := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && interval > float64(p.MaxDelay) {
		interval = float64(p.MaxDelay)
	}
	duration := time.Duration(interval)

	if p.Jitter && duration > 1 {
		jitter := time.Duration(rand.Int63n(int64(duration / 2)))
		duration = duration/2 + jitter
	}
	return duration
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) name() string {
	if p.OperationName == "" {
		return "operation"
	}
	return p.OperationName
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor runs operations under a Policy.
type Executor struct {
	sleep SleepFunc
}

type Option func(*Executor)

// WithSleep replaces the cooperative delay used between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{sleep: contextSleep}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultExecutor = NewExecutor()

// Sleep exposes the executor's delay so collaborators share one injectable clock.
func (e *Executor) Sleep(ctx context.Context, d time.Duration) error {
	if e == nil {
		e = defaultExecutor
	}
	return e.sleep(ctx, d)
}

// Do invokes op until it succeeds, returns a Stop error, or the policy is exhausted.
// A nil executor uses real time.
func Do[T any](ctx context.Context, e *Executor, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if e == nil {
		e = defaultExecutor
	}

	var zero T
	var lastErr error
	maxAttempts := p.attempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				metrics.RetryOutcomes.WithLabelValues(p.name(), "recovered").Inc()
			}
			return result, nil
		}

		var stopErr StopError
		if stderrors.As(err, &stopErr) {
			metrics.RetryOutcomes.WithLabelValues(p.name(), "stopped").Inc()
			return zero, stopErr.Err
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		logger.Debug("Operation failed, retrying", "component", "RETRY", "operation", p.name(),
			"attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", err)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			metrics.RetryOutcomes.WithLabelValues(p.name(), "cancelled").Inc()
			return zero, fmt.Errorf("retry cancelled by context after %d attempts: %w", attempt, stderrors.Join(sleepErr, lastErr))
		}
	}

	metrics.RetryOutcomes.WithLabelValues(p.name(), "exhausted").Inc()
	logger.Warn("Operation failed, retries exhausted", "component", "RETRY", "operation", p.name(),
		"attempts", maxAttempts, "error", lastErr)
	return zero, &pkgerrors.RetriesExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

type RetryableFunc func() error

// WithRetry is Do for operations without a result.
func WithRetry(ctx context.Context, fn RetryableFunc, p Policy) error {
	_, err := Do(ctx, nil, p, func(context.Context) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return stderrors.As(err, &stopErr)
}
