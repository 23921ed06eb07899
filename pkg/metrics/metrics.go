package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database query metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgkeeper_db_queries_total",
			Help: "Total number of database operations executed through the manager.",
		},
		[]string{"status"}, // status: "success", "query_error", "connectivity_error", "rejected"
	)

	DBQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgkeeper_db_query_duration_seconds",
			Help:    "Duration of database operations including retries.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
	)

	RetryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgkeeper_retry_outcomes_total",
			Help: "Outcomes of retried operations.",
		},
		[]string{"operation", "outcome"}, // outcome: "recovered", "stopped", "exhausted", "cancelled"
	)
)

// Connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_db_pool_total_conns",
			Help: "Total number of connections in the live pool.",
		},
	)
	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_db_pool_idle_conns",
			Help: "Number of idle connections in the live pool.",
		},
	)
	DBPoolWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_db_pool_waiting",
			Help: "Number of callers waiting to acquire a connection.",
		},
	)
	DBPoolSwaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgkeeper_db_pool_swaps_total",
			Help: "Number of times a replacement pool was published.",
		},
	)
)

// Circuit breaker metrics
var (
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		},
	)
	CircuitBreakerResetTimeout = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_circuit_breaker_reset_timeout_seconds",
			Help: "Current cool-down before an open breaker admits a probe.",
		},
	)
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgkeeper_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"to"},
	)
)

// Ping monitor metrics
var (
	PingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgkeeper_pings_total",
			Help: "Ping monitor cycles by result.",
		},
		[]string{"result"}, // result: "success", "failure", "skipped"
	)
	PingInterval = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_ping_interval_seconds",
			Help: "Current ping monitor interval.",
		},
	)
	PingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgkeeper_ping_latency_seconds",
			Help:    "Round-trip latency of probe queries.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Recovery metrics
var (
	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgkeeper_recovery_attempts_total",
			Help: "Recovery stage outcomes.",
		},
		[]string{"stage", "result"}, // result: "success", "failure", "skipped"
	)
	RecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgkeeper_recovery_duration_seconds",
			Help:    "Duration of complete recovery attempts.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)
)

// Health metrics
var (
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_health_status",
			Help: "Last reported health status (0=error, 1=unhealthy, 2=degraded, 3=healthy).",
		},
	)
)
