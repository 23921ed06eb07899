// Package pinger runs the recurring connectivity probe.
//
// The monitor only detects and escalates: it feeds probe outcomes to the circuit
// breaker, widens its own interval while the database keeps failing and asks for
// a recovery once failures pile up. It never touches the live pool itself.
package pinger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/pgkeeper/logger"
	"github.com/migadu/pgkeeper/pkg/circuitbreaker"
	pkgerrors "github.com/migadu/pgkeeper/pkg/errors"
	"github.com/migadu/pgkeeper/pkg/metrics"
)

// ProbeFunc runs one trivial query against the live pool and reports its latency.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// RecoveryFunc asks for a pool recovery. It is called on its own goroutine.
type RecoveryFunc func(ctx context.Context)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

type Settings struct {
	Interval                   time.Duration
	MaxInterval                time.Duration
	FailureEscalationThreshold int
	RecoveryTriggerThreshold   int
	StabilityThreshold         int
	NoticeInterval             time.Duration
	Now                        func() time.Time
}

// Metrics is the adaptive scheduling state.
type Metrics struct {
	FailureCount    int           `json:"failure_count"`
	SuccessStreak   int           `json:"success_streak"`
	CurrentInterval time.Duration `json:"current_interval"`
	LastLatency     time.Duration `json:"last_latency"`
	LastPingAt      time.Time     `json:"last_ping_at,omitempty"`
}

type Monitor struct {
	settings        Settings
	probe           ProbeFunc
	breaker         *circuitbreaker.CircuitBreaker
	requestRecovery RecoveryFunc

	mu            sync.Mutex
	failureCount  int
	successStreak int
	interval      time.Duration
	lastLatency   time.Duration
	lastPingAt    time.Time
	lastNotice    time.Time
	skippedCycles int

	escalating atomic.Bool
	background sync.WaitGroup

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(probe ProbeFunc, breaker *circuitbreaker.CircuitBreaker, requestRecovery RecoveryFunc, st Settings) *Monitor {
	if st.Interval <= 0 {
		st.Interval = 15 * time.Second
	}
	if st.MaxInterval < st.Interval {
		st.MaxInterval = 4 * st.Interval
	}
	if st.FailureEscalationThreshold <= 0 {
		st.FailureEscalationThreshold = 3
	}
	if st.RecoveryTriggerThreshold <= 0 {
		st.RecoveryTriggerThreshold = 5
	}
	if st.StabilityThreshold <= 0 {
		st.StabilityThreshold = 5
	}
	if st.NoticeInterval <= 0 {
		st.NoticeInterval = time.Minute
	}
	if st.Now == nil {
		st.Now = time.Now
	}

	m := &Monitor{
		settings:        st,
		probe:           probe,
		breaker:         breaker,
		requestRecovery: requestRecovery,
		interval:        st.Interval,
	}
	metrics.PingInterval.Set(st.Interval.Seconds())
	return m
}

// Start schedules cycles until Stop is called or ctx is done. Each cycle starts
// only after the previous one has settled. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	logger.Info("Ping monitor started", "component", "PING", "interval", m.CurrentInterval())
	go m.run(runCtx, m.done)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(m.CurrentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Ping monitor stopped", "component", "PING")
			return
		case <-timer.C:
			m.Tick(ctx)
			timer.Reset(m.CurrentInterval())
		}
	}
}

// Stop cancels the schedule and waits for the running cycle and any recovery it
// started. Safe to call more than once and before Start.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	cancel, done := m.cancel, m.done
	m.lifecycle.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.background.Wait()
}

// Tick runs a single cycle.
func (m *Monitor) Tick(ctx context.Context) Outcome {
	if m.breaker != nil && !m.breaker.AllowAttempt() {
		m.noteSkipped()
		metrics.PingsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped
	}

	latency, err := m.probe(ctx)
	if ctx.Err() != nil && err != nil {
		// Shutting down; the failure says nothing about the database.
		return OutcomeSkipped
	}

	if err == nil {
		m.onSuccess(latency)
		metrics.PingsTotal.WithLabelValues(string(OutcomeSuccess)).Inc()
		metrics.PingLatency.Observe(latency.Seconds())
		return OutcomeSuccess
	}

	m.onFailure(ctx, err)
	metrics.PingsTotal.WithLabelValues(string(OutcomeFailure)).Inc()
	return OutcomeFailure
}

func (m *Monitor) onSuccess(latency time.Duration) {
	if m.breaker != nil {
		m.breaker.RecordSuccess()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recovered := m.failureCount > 0
	m.failureCount = 0
	m.successStreak++
	m.lastLatency = latency
	m.lastPingAt = m.settings.Now()

	if recovered {
		logger.Info("Ping succeeded after failures", "component", "PING", "latency", latency)
	}
	if m.interval != m.settings.Interval && m.successStreak >= m.settings.StabilityThreshold {
		m.interval = m.settings.Interval
		metrics.PingInterval.Set(m.interval.Seconds())
		logger.Info("Connection stable, ping interval restored", "component", "PING",
			"interval", m.interval, "success_streak", m.successStreak)
	}
}

func (m *Monitor) onFailure(ctx context.Context, err error) {
	if m.breaker != nil {
		m.breaker.RecordFailure(err)
	}
	kind := pkgerrors.Classify(err)

	m.mu.Lock()
	m.failureCount++
	m.successStreak = 0
	m.lastPingAt = m.settings.Now()
	failures := m.failureCount

	if kind == pkgerrors.KindConnectivity && failures >= m.settings.FailureEscalationThreshold {
		widened := m.interval * 2
		if widened > m.settings.MaxInterval {
			widened = m.settings.MaxInterval
		}
		if widened != m.interval {
			m.interval = widened
			metrics.PingInterval.Set(m.interval.Seconds())
			logger.Warn("Ping interval widened", "component", "PING", "interval", m.interval, "failures", failures)
		}
	}
	m.mu.Unlock()

	logger.Warn("Ping failed", "component", "PING", "failures", failures, "kind", kind, "error", err)

	if kind == pkgerrors.KindConnectivity && failures >= m.settings.RecoveryTriggerThreshold {
		m.escalate(ctx, failures)
	}
}

// escalate starts at most one recovery goroutine at a time.
func (m *Monitor) escalate(ctx context.Context, failures int) {
	if m.requestRecovery == nil || !m.escalating.CompareAndSwap(false, true) {
		return
	}

	logger.Warn("Consecutive ping failures, requesting recovery", "component", "PING", "failures", failures)

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer m.escalating.Store(false)
		m.requestRecovery(ctx)
	}()
}

func (m *Monitor) noteSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.skippedCycles++
	now := m.settings.Now()
	if !m.lastNotice.IsZero() && now.Sub(m.lastNotice) < m.settings.NoticeInterval {
		return
	}
	m.lastNotice = now
	logger.Info("Circuit breaker open, skipping ping", "component", "PING", "skipped_cycles", m.skippedCycles)
	m.skippedCycles = 0
}

func (m *Monitor) CurrentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Degraded reports whether failures have moved the monitor off its baseline.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureCount > 0 || m.interval != m.settings.Interval
}

func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		FailureCount:    m.failureCount,
		SuccessStreak:   m.successStreak,
		CurrentInterval: m.interval,
		LastLatency:     m.lastLatency,
		LastPingAt:      m.lastPingAt,
	}
}
