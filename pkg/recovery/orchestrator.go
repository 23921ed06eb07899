// Package recovery rebuilds the connection pool when it is believed unhealthy.
//
// Recovery is staged. The moderate stage builds a reduced pool; if that cannot be
// verified in time, the conservative stage waits a cooldown and tries a minimal
// pool with a longer budget. A candidate pool is published only after it has
// answered a probe, and the previous pool is closed only after the swap. When both
// stages fail the circuit breaker is forced open so the breaker schedule, not the
// orchestrator, decides when to try again.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/migadu/pgkeeper/consts"
	"github.com/migadu/pgkeeper/db"
	"github.com/migadu/pgkeeper/logger"
	"github.com/migadu/pgkeeper/pkg/circuitbreaker"
	pkgerrors "github.com/migadu/pgkeeper/pkg/errors"
	"github.com/migadu/pgkeeper/pkg/metrics"
	"github.com/migadu/pgkeeper/pkg/retry"
)

type Stage string

const (
	StageModerate     Stage = "moderate"
	StageConservative Stage = "conservative"
)

// Result is the outcome of one AttemptRecovery call.
type Result struct {
	Stage      Stage         `json:"stage,omitempty"`
	Succeeded  bool          `json:"succeeded"`
	InProgress bool          `json:"in_progress,omitempty"`
	Duration   time.Duration `json:"duration"`
	NewHandle  db.Handle     `json:"-"`
	Err        error         `json:"-"`
}

// Publisher owns the live handle slot.
type Publisher interface {
	Current() db.Handle
	// Publish makes h live and returns the handle it replaced.
	Publish(h db.Handle) db.Handle
}

type Settings struct {
	BaseProfile          db.Profile
	ModerateTimeout      time.Duration
	ConservativeTimeout  time.Duration
	Cooldown             time.Duration
	ElevatedResetTimeout time.Duration
}

type Orchestrator struct {
	factory   db.Factory
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	executor  *retry.Executor
	settings  Settings

	inProgress atomic.Bool
}

func New(factory db.Factory, publisher Publisher, breaker *circuitbreaker.CircuitBreaker, executor *retry.Executor, st Settings) *Orchestrator {
	if st.ModerateTimeout <= 0 {
		st.ModerateTimeout = 10 * time.Second
	}
	if st.ConservativeTimeout <= 0 {
		st.ConservativeTimeout = 30 * time.Second
	}
	if st.Cooldown < 0 {
		st.Cooldown = 0
	}
	if st.ElevatedResetTimeout <= 0 {
		st.ElevatedResetTimeout = 60 * time.Second
	}
	if executor == nil {
		executor = retry.NewExecutor()
	}
	return &Orchestrator{
		factory:   factory,
		publisher: publisher,
		breaker:   breaker,
		executor:  executor,
		settings:  st,
	}
}

// InProgress reports whether a recovery is running.
func (o *Orchestrator) InProgress() bool {
	return o.inProgress.Load()
}

// AttemptRecovery runs the staged recovery. Only one recovery runs at a time;
// a concurrent call returns immediately with InProgress set and does no I/O.
func (o *Orchestrator) AttemptRecovery(ctx context.Context) Result {
	if !o.inProgress.CompareAndSwap(false, true) {
		logger.Info("Recovery already in progress", "component", "RECOVERY")
		metrics.RecoveryAttempts.WithLabelValues("any", "skipped").Inc()
		return Result{InProgress: true, Err: consts.ErrRecoveryInProgress}
	}
	defer o.inProgress.Store(false)

	start := time.Now()
	defer func() {
		metrics.RecoveryDuration.Observe(time.Since(start).Seconds())
	}()

	logger.Warn("Starting connection pool recovery", "component", "RECOVERY")

	result := o.runStage(ctx, StageModerate, db.ModerateProfile(o.settings.BaseProfile), o.settings.ModerateTimeout)
	if result.Succeeded {
		result.Duration = time.Since(start)
		return result
	}
	moderateErr := result.Err

	logger.Warn("Moderate recovery failed, cooling down before conservative stage", "component", "RECOVERY",
		"cooldown", o.settings.Cooldown, "error", moderateErr)

	if err := o.executor.Sleep(ctx, o.settings.Cooldown); err != nil {
		return Result{Stage: StageModerate, Duration: time.Since(start), Err: fmt.Errorf("recovery aborted: %w", errors.Join(err, moderateErr))}
	}

	result = o.runStage(ctx, StageConservative, db.ConservativeProfile(o.settings.BaseProfile), o.settings.ConservativeTimeout)
	if result.Succeeded {
		result.Duration = time.Since(start)
		return result
	}
	if ctx.Err() != nil {
		return Result{Stage: StageConservative, Duration: time.Since(start), Err: fmt.Errorf("recovery aborted: %w", errors.Join(ctx.Err(), result.Err))}
	}

	if o.breaker != nil {
		o.breaker.ForceOpen(o.settings.ElevatedResetTimeout)
	}
	err := &pkgerrors.RecoveryFailedError{Err: errors.Join(moderateErr, result.Err)}
	logger.Error("Connection pool recovery failed, circuit breaker forced open", "component", "RECOVERY",
		"reset_timeout", o.settings.ElevatedResetTimeout, "error", err)

	return Result{Stage: StageConservative, Duration: time.Since(start), Err: err}
}

// runStage builds a candidate pool, verifies it and swaps it in. The live handle
// is untouched unless the candidate answered its probe.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, profile db.Profile, timeout time.Duration) Result {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info("Recovery stage started", "component", "RECOVERY", "stage", stage,
		"max_conns", profile.MaxConns, "timeout", timeout)

	policy := retry.Policy{
		MaxAttempts:       2,
		InitialDelay:      250 * time.Millisecond,
		BackoffMultiplier: 2,
		OperationName:     "recovery_" + string(stage) + "_build",
	}
	candidate, err := retry.Do(stageCtx, o.executor, policy, func(ctx context.Context) (db.Handle, error) {
		return o.factory(ctx, profile)
	})
	if err != nil {
		metrics.RecoveryAttempts.WithLabelValues(string(stage), "failure").Inc()
		return Result{Stage: stage, Err: fmt.Errorf("%s stage: build pool: %w", stage, err)}
	}

	latency, err := db.Probe(stageCtx, candidate, timeout)
	if err != nil {
		candidate.Close()
		metrics.RecoveryAttempts.WithLabelValues(string(stage), "failure").Inc()
		logger.Warn("Recovery stage probe failed", "component", "RECOVERY", "stage", stage, "error", err)
		return Result{Stage: stage, Err: fmt.Errorf("%s stage: verify pool: %w", stage, err)}
	}

	previous := o.publisher.Publish(candidate)
	if previous != nil && previous != candidate {
		closeQuietly(previous)
	}
	if o.breaker != nil {
		o.breaker.Reset()
	}

	metrics.RecoveryAttempts.WithLabelValues(string(stage), "success").Inc()
	logger.Info("Connection pool recovered", "component", "RECOVERY", "stage", stage, "probe_latency", latency)

	return Result{Stage: stage, Succeeded: true, NewHandle: candidate}
}

// closeQuietly closes a retired handle; a panic there must not undo the swap.
func closeQuietly(h db.Handle) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Failed to close previous pool", "component", "RECOVERY", "panic", r)
		}
	}()
	h.Close()
}
