// Package resilient provides the process-wide database facade.
//
// A Manager owns the single live connection pool and wires the resilience
// components around it:
//   - a circuit breaker that decides whether attempts may touch the network
//   - a ping monitor that probes the pool on an adaptive schedule
//   - a recovery orchestrator that rebuilds the pool in stages
//   - exponential backoff retry for caller operations
//
// # Architecture
//
//	┌──────────────────────────┐
//	│ Manager                  │
//	├──────────────────────────┤
//	│ - live handle (atomic)   │◄──── Publish ──── Orchestrator
//	│ - Circuit Breaker        │◄──── outcomes ─── Ping Monitor
//	│ - Retry Executor         │
//	└────────────┬─────────────┘
//	             │
//	        ┌────▼────┐
//	        │ pgxpool │
//	        └─────────┘
//
// # Usage
//
//	mgr, err := resilient.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if _, err := mgr.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer mgr.Shutdown()
//
//	// Every attempt runs against the pool that is live at that moment.
//	count, err := resilient.WithRetry(ctx, mgr, resilient.DefaultPolicy(),
//		func(ctx context.Context, h db.Handle) (int, error) {
//			var n int
//			err := h.QueryRow(ctx, "SELECT count(*) FROM users").Scan(&n)
//			return n, err
//		})
//
// # Error Handling
//
// Connectivity failures are retried and counted by the breaker. Query failures
// (syntax, constraints, no rows) are returned at once as *errors.QueryExecutionError.
// While the breaker is open callers fail fast with consts.ErrServiceUnavailable.
package resilient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/pgkeeper/config"
	"github.com/migadu/pgkeeper/consts"
	"github.com/migadu/pgkeeper/db"
	"github.com/migadu/pgkeeper/logger"
	"github.com/migadu/pgkeeper/pkg/circuitbreaker"
	pkgerrors "github.com/migadu/pgkeeper/pkg/errors"
	"github.com/migadu/pgkeeper/pkg/metrics"
	"github.com/migadu/pgkeeper/pkg/pinger"
	"github.com/migadu/pgkeeper/pkg/recovery"
	"github.com/migadu/pgkeeper/pkg/retry"
)

type handleRef struct {
	handle db.Handle
}

type Option func(*Manager)

// WithFactory replaces the pool constructor.
func WithFactory(f db.Factory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

// WithExecutor replaces the retry executor, and with it every backoff sleep.
func WithExecutor(e *retry.Executor) Option {
	return func(m *Manager) {
		if e != nil {
			m.executor = e
		}
	}
}

// WithClock replaces the clock used by the breaker and the ping monitor.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetricsInterval sets how often pool occupancy is exported.
func WithMetricsInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.metricsInterval = d
		}
	}
}

// Manager is the connection pool manager.
type Manager struct {
	cfg             *config.Config
	profile         db.Profile
	probeTimeout    time.Duration
	factory         db.Factory
	executor        *retry.Executor
	now             func() time.Time
	metricsInterval time.Duration

	live         atomic.Pointer[handleRef]
	swapMu       sync.Mutex // orders Publish against the final swap in Shutdown
	breaker      *circuitbreaker.CircuitBreaker
	monitor      *pinger.Monitor
	orchestrator *recovery.Orchestrator
	lastRecovery atomic.Pointer[recovery.Result]

	ctx          context.Context
	cancel       context.CancelFunc
	background   sync.WaitGroup
	initialized  atomic.Bool
	closed       atomic.Bool
	shutdownOnce sync.Once
}

// New wires the components from configuration. Nothing touches the network
// until Initialize.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	m := &Manager{
		cfg:             cfg,
		factory:         db.Open,
		executor:        retry.NewExecutor(),
		now:             time.Now,
		metricsInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}

	profile, err := db.ProfileFromConfig(&cfg.Database)
	if err != nil {
		return nil, err
	}
	m.profile = profile

	if m.probeTimeout, err = cfg.Database.GetProbeTimeout(); err != nil {
		return nil, fmt.Errorf("invalid probe_timeout: %w", err)
	}

	if err := m.buildBreaker(); err != nil {
		return nil, err
	}
	if err := m.buildOrchestrator(); err != nil {
		return nil, err
	}
	if err := m.buildMonitor(); err != nil {
		return nil, err
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

func (m *Manager) buildBreaker() error {
	base, err := m.cfg.Breaker.GetBaseResetTimeout()
	if err != nil {
		return fmt.Errorf("invalid base_reset_timeout: %w", err)
	}
	maxTimeout, err := m.cfg.Breaker.GetMaxResetTimeout()
	if err != nil {
		return fmt.Errorf("invalid max_reset_timeout: %w", err)
	}

	settings := circuitbreaker.DefaultSettings("database")
	settings.FailureThreshold = m.cfg.Breaker.GetFailureThreshold()
	settings.SuccessThreshold = m.cfg.Breaker.GetSuccessThreshold()
	settings.BaseResetTimeout = base
	settings.MaxResetTimeout = maxTimeout
	settings.Now = m.now
	m.breaker = circuitbreaker.NewCircuitBreaker(settings)
	return nil
}

func (m *Manager) buildOrchestrator() error {
	moderate, err := m.cfg.Recovery.GetModerateTimeout()
	if err != nil {
		return fmt.Errorf("invalid moderate_timeout: %w", err)
	}
	conservative, err := m.cfg.Recovery.GetConservativeTimeout()
	if err != nil {
		return fmt.Errorf("invalid conservative_timeout: %w", err)
	}
	cooldown, err := m.cfg.Recovery.GetCooldown()
	if err != nil {
		return fmt.Errorf("invalid cooldown: %w", err)
	}
	elevated, err := m.cfg.Breaker.GetRecoveryResetTimeout()
	if err != nil {
		return fmt.Errorf("invalid recovery_reset_timeout: %w", err)
	}

	m.orchestrator = recovery.New(m.factory, m, m.breaker, m.executor, recovery.Settings{
		BaseProfile:          m.profile,
		ModerateTimeout:      moderate,
		ConservativeTimeout:  conservative,
		Cooldown:             cooldown,
		ElevatedResetTimeout: elevated,
	})
	return nil
}

func (m *Manager) buildMonitor() error {
	production := m.cfg.Database.IsProduction()
	interval, err := m.cfg.Monitor.GetInterval(production)
	if err != nil {
		return fmt.Errorf("invalid monitor interval: %w", err)
	}
	maxInterval, err := m.cfg.Monitor.GetMaxInterval()
	if err != nil {
		return fmt.Errorf("invalid monitor max_interval: %w", err)
	}

	m.monitor = pinger.New(m.Probe, m.breaker, func(ctx context.Context) {
		m.AttemptRecovery(ctx)
	}, pinger.Settings{
		Interval:                   interval,
		MaxInterval:                maxInterval,
		FailureEscalationThreshold: m.cfg.Monitor.GetFailureEscalationThreshold(),
		RecoveryTriggerThreshold:   m.cfg.Monitor.GetRecoveryTriggerThreshold(),
		StabilityThreshold:         m.cfg.Monitor.GetStabilityThreshold(),
		Now:                        m.now,
	})
	return nil
}

// Initialize builds the first pool and probes it once. In production a failed
// probe runs a bounded number of recoveries before giving up; in development
// the manager starts anyway and leaves escalation to the ping monitor.
func (m *Manager) Initialize(ctx context.Context) (db.Handle, error) {
	if m.closed.Load() {
		return nil, consts.ErrShutdown
	}
	if !m.initialized.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("connection pool manager already initialized")
	}

	handle, err := m.factory(ctx, m.profile)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	m.Publish(handle)

	latency, err := m.Probe(ctx)
	switch {
	case err == nil:
		logger.Info("Database connection verified", "component", "POOL", "latency", latency)
	case m.cfg.Database.IsProduction():
		attempts := m.cfg.Database.GetStartupRecoveryAttempts()
		logger.Warn("Initial database probe failed, attempting recovery", "component", "POOL",
			"attempts", attempts, "error", err)

		_, err = retry.Do(ctx, m.executor, startupRecoveryPolicy(attempts), func(ctx context.Context) (db.Handle, error) {
			result := m.AttemptRecovery(ctx)
			if !result.Succeeded {
				return nil, result.Err
			}
			return result.NewHandle, nil
		})
		if err != nil {
			return nil, fmt.Errorf("database unavailable at startup: %w", err)
		}
	default:
		logger.Warn("Initial database probe failed, continuing in development mode", "component", "POOL", "error", err)
	}

	m.monitor.Start(m.ctx)
	m.StartPoolMetrics(m.ctx)
	return m.Current(), nil
}

// Current returns the live handle, or nil before Initialize and after Shutdown.
func (m *Manager) Current() db.Handle {
	ref := m.live.Load()
	if ref == nil {
		return nil
	}
	return ref.handle
}

// Publish makes h the live handle and returns the one it replaced. After
// Shutdown the handle is closed instead.
func (m *Manager) Publish(h db.Handle) db.Handle {
	m.swapMu.Lock()
	if m.closed.Load() {
		m.swapMu.Unlock()
		if h != nil {
			h.Close()
		}
		return nil
	}
	prev := m.live.Swap(&handleRef{handle: h})
	m.swapMu.Unlock()

	metrics.DBPoolSwaps.Inc()
	if prev == nil {
		return nil
	}
	return prev.handle
}

// Probe runs the trivial query against the live handle with the probe timeout.
// It does not record anything on the circuit breaker.
func (m *Manager) Probe(ctx context.Context) (time.Duration, error) {
	h := m.Current()
	if h == nil {
		return 0, consts.ErrNotInitialized
	}
	latency, err := db.Probe(ctx, h, m.probeTimeout)
	if err != nil {
		return latency, pkgerrors.Wrap("probe", err)
	}
	return latency, nil
}

// TestConnection reports whether the live handle answers a probe. The breaker
// is neither consulted nor updated.
func (m *Manager) TestConnection(ctx context.Context) bool {
	_, err := m.Probe(ctx)
	return err == nil
}

// PoolStats never blocks on the network.
func (m *Manager) PoolStats() db.PoolStats {
	h := m.Current()
	if h == nil {
		return db.PoolStats{}
	}
	return h.Stats()
}

// AttemptRecovery runs the staged recovery unless one is already running.
// Shutdown aborts it even when ctx itself is never cancelled.
func (m *Manager) AttemptRecovery(ctx context.Context) recovery.Result {
	if m.closed.Load() {
		return recovery.Result{Err: consts.ErrShutdown}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	result := m.orchestrator.AttemptRecovery(ctx)
	if !result.InProgress {
		m.lastRecovery.Store(&result)
	}
	return result
}

// LastRecovery returns the most recent completed recovery, if any.
func (m *Manager) LastRecovery() *recovery.Result {
	return m.lastRecovery.Load()
}

// RecoveryInProgress reports whether a recovery is running.
func (m *Manager) RecoveryInProgress() bool {
	return m.orchestrator.InProgress()
}

// ReportSuspectedOutage lets any code path that saw a failure escalate it.
// Connectivity failures are recorded on the breaker and, unless the breaker is
// open, start a background recovery; anything else is ignored. It reports
// whether a recovery was started.
func (m *Manager) ReportSuspectedOutage(err error) bool {
	if err == nil || m.closed.Load() {
		return false
	}
	if !pkgerrors.IsConnectivity(err) {
		logger.Debug("Ignoring non-connectivity failure report", "component", "POOL", "error", err)
		return false
	}

	m.breaker.RecordFailure(err)
	if m.orchestrator.InProgress() {
		return false
	}
	// An open breaker owns the retry schedule.
	if !m.breaker.AllowAttempt() {
		logger.Debug("Circuit breaker open, not starting recovery", "component", "POOL", "error", err)
		return false
	}

	logger.Warn("Suspected database outage reported", "component", "POOL", "error", err)
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		m.AttemptRecovery(m.ctx)
	}()
	return true
}

func (m *Manager) BreakerSnapshot() circuitbreaker.Snapshot {
	return m.breaker.Snapshot()
}

func (m *Manager) PingMetrics() pinger.Metrics {
	return m.monitor.Metrics()
}

// Breaker exposes the circuit breaker for diagnostics.
func (m *Manager) Breaker() *circuitbreaker.CircuitBreaker {
	return m.breaker
}

// Monitor exposes the ping monitor for diagnostics.
func (m *Manager) Monitor() *pinger.Monitor {
	return m.monitor
}

// Shutdown stops the ping schedule, waits for background work and closes the
// live handle. Later calls do nothing.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		logger.Info("Shutting down connection pool manager", "component", "POOL")
		m.closed.Store(true)

		m.monitor.Stop()
		m.cancel()
		m.background.Wait()

		m.swapMu.Lock()
		ref := m.live.Swap(nil)
		m.swapMu.Unlock()
		if ref != nil && ref.handle != nil {
			ref.handle.Close()
		}
	})
}
