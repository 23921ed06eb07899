// Package health builds the database health report served by the HTTP API.
package health

import (
	"context"
	"time"

	"github.com/migadu/pgkeeper/db"
	"github.com/migadu/pgkeeper/pkg/circuitbreaker"
	"github.com/migadu/pgkeeper/pkg/metrics"
	"github.com/migadu/pgkeeper/pkg/pinger"
	"github.com/migadu/pgkeeper/pkg/recovery"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
	StatusError     ComponentStatus = "error"
)

// SlowProbeThreshold marks a reachable database as degraded.
const SlowProbeThreshold = time.Second

// Source is what the report reads from; resilient.Manager implements it.
type Source interface {
	Current() db.Handle
	Probe(ctx context.Context) (time.Duration, error)
	PoolStats() db.PoolStats
	BreakerSnapshot() circuitbreaker.Snapshot
	PingMetrics() pinger.Metrics
}

type BreakerReport struct {
	Open                 bool       `json:"open"`
	State                string     `json:"state"`
	ResetTimeoutSeconds  float64    `json:"resetTimeoutSeconds"`
	LastOpenedAt         *time.Time `json:"lastOpenedAt,omitempty"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`
}

type PingReport struct {
	FailureCount    int     `json:"failureCount"`
	SuccessStreak   int     `json:"successStreak"`
	IntervalSeconds float64 `json:"intervalSeconds"`
}

type RecoveryReport struct {
	Stage      string  `json:"stage,omitempty"`
	Succeeded  bool    `json:"succeeded"`
	InProgress bool    `json:"inProgress,omitempty"`
	DurationMs float64 `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
}

type Report struct {
	Status         ComponentStatus `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	Connected      bool            `json:"connected"`
	LatencyMs      float64         `json:"latencyMs"`
	Error          string          `json:"error,omitempty"`
	CircuitBreaker BreakerReport   `json:"circuitBreaker"`
	Ping           PingReport      `json:"ping"`
	Pool           db.PoolStats    `json:"pool"`
	Recovery       *RecoveryReport `json:"recovery,omitempty"`
}

// Check probes the live handle once and assembles the report.
func Check(ctx context.Context, src Source) Report {
	report := Report{Timestamp: time.Now()}

	snap := src.BreakerSnapshot()
	report.CircuitBreaker = BreakerReport{
		Open:                 snap.IsOpen,
		State:                snap.State.String(),
		ResetTimeoutSeconds:  snap.ResetTimeout.Seconds(),
		ConsecutiveFailures:  snap.ConsecutiveFailures,
		ConsecutiveSuccesses: snap.ConsecutiveSuccesses,
	}
	if !snap.LastOpenedAt.IsZero() {
		opened := snap.LastOpenedAt
		report.CircuitBreaker.LastOpenedAt = &opened
	}

	ping := src.PingMetrics()
	report.Ping = PingReport{
		FailureCount:    ping.FailureCount,
		SuccessStreak:   ping.SuccessStreak,
		IntervalSeconds: ping.CurrentInterval.Seconds(),
	}

	if src.Current() == nil {
		report.Status = StatusError
		report.Error = "no live connection pool"
		publishStatus(report.Status)
		return report
	}

	report.Pool = src.PoolStats()

	latency, err := src.Probe(ctx)
	report.LatencyMs = float64(latency.Microseconds()) / 1000
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Connected = true
	}

	report.Status = classify(report, snap, latency)
	publishStatus(report.Status)
	return report
}

func classify(report Report, snap circuitbreaker.Snapshot, latency time.Duration) ComponentStatus {
	switch {
	case !report.Connected || snap.State == circuitbreaker.StateOpen:
		return StatusUnhealthy
	case snap.State == circuitbreaker.StateHalfOpen,
		report.Ping.FailureCount > 0,
		latency > SlowProbeThreshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// WithRecovery attaches a recovery outcome to the report.
func (r *Report) WithRecovery(result recovery.Result) {
	rr := &RecoveryReport{
		Stage:      string(result.Stage),
		Succeeded:  result.Succeeded,
		InProgress: result.InProgress,
		DurationMs: float64(result.Duration.Microseconds()) / 1000,
	}
	if result.Err != nil {
		rr.Error = result.Err.Error()
	}
	r.Recovery = rr
}

// Update health status gauge (0=error, 1=unhealthy, 2=degraded, 3=healthy)
func publishStatus(status ComponentStatus) {
	var value float64
	switch status {
	case StatusHealthy:
		value = 3
	case StatusDegraded:
		value = 2
	case StatusUnhealthy:
		value = 1
	}
	metrics.HealthStatus.Set(value)
}
