package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/migadu/pgkeeper/logger"
	pkgerrors "github.com/migadu/pgkeeper/pkg/errors"
	"github.com/migadu/pgkeeper/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

type Settings struct {
	Name                  string
	FailureThreshold      int
	SuccessThreshold      int
	BaseResetTimeout      time.Duration
	MaxResetTimeout       time.Duration
	Now                   func() time.Time
	OnStateChange         func(name string, from State, to State)
	IsConnectivityFailure func(err error) bool
}

// Snapshot is a point-in-time copy of the breaker's counters.
type Snapshot struct {
	State                State         `json:"state"`
	IsOpen               bool          `json:"is_open"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastOpenedAt         time.Time     `json:"last_opened_at,omitempty"`
	ResetTimeout         time.Duration `json:"reset_timeout"`
}

// CircuitBreaker decides whether connection attempts may touch the network.
// While open it rejects attempts until resetTimeout has elapsed since it last
// opened; the first attempt after that runs as a half-open probe.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	baseResetTimeout time.Duration
	maxResetTimeout  time.Duration
	now              func() time.Time
	onStateChange    func(name string, from State, to State)
	isConnectivity   func(err error) bool

	mutex                sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastOpenedAt         time.Time
	resetTimeout         time.Duration
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             st.Name,
		failureThreshold: st.FailureThreshold,
		successThreshold: st.SuccessThreshold,
		baseResetTimeout: st.BaseResetTimeout,
		maxResetTimeout:  st.MaxResetTimeout,
		now:              st.Now,
		onStateChange:    st.OnStateChange,
		isConnectivity:   st.IsConnectivityFailure,
	}

	if cb.name == "" {
		cb.name = "database"
	}
	if cb.failureThreshold <= 0 {
		cb.failureThreshold = 10
	}
	if cb.successThreshold <= 0 {
		cb.successThreshold = 5
	}
	if cb.baseResetTimeout <= 0 {
		cb.baseResetTimeout = 30 * time.Second
	}
	if cb.maxResetTimeout < cb.baseResetTimeout {
		cb.maxResetTimeout = 5 * time.Minute
		if cb.maxResetTimeout < cb.baseResetTimeout {
			cb.maxResetTimeout = cb.baseResetTimeout
		}
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	if cb.isConnectivity == nil {
		cb.isConnectivity = func(err error) bool {
			return err == nil || pkgerrors.IsConnectivity(err)
		}
	}

	cb.resetTimeout = cb.baseResetTimeout
	cb.publishMetrics()
	return cb
}

func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: 10,
		SuccessThreshold: 5,
		BaseResetTimeout: 30 * time.Second,
		MaxResetTimeout:  5 * time.Minute,
		OnStateChange: func(name string, from State, to State) {
			logger.Info("Circuit breaker state changed", "component", "BREAKER", "name", name, "from", from, "to", to)
		},
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State reports the stored state without promoting an elapsed Open to HalfOpen.
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return Snapshot{
		State:                cb.state,
		IsOpen:               cb.state == StateOpen,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastOpenedAt:         cb.lastOpenedAt,
		ResetTimeout:         cb.resetTimeout,
	}
}

// AllowAttempt reports whether an attempt may proceed. An open breaker whose
// reset timeout has elapsed moves to half-open and admits the attempt.
func (cb *CircuitBreaker) AllowAttempt() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastOpenedAt) < cb.resetTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		return true
	default:
		return true
	}
}

// RecordFailure counts a failed attempt. The breaker opens once the failure
// streak reaches the threshold and err is a connectivity failure; a failed
// half-open probe re-opens it. Every opening doubles the reset timeout up to
// the configured maximum. A nil err counts as a connectivity failure.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0

	if !cb.isConnectivity(err) {
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.open()
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.open()
		}
	}
}

// RecordSuccess counts a successful probe. A half-open breaker closes; once the
// success streak reaches the stability threshold the failure count and reset
// timeout return to their baseline.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.consecutiveSuccesses++
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
	if cb.consecutiveSuccesses >= cb.successThreshold {
		cb.consecutiveFailures = 0
		cb.resetTimeout = cb.baseResetTimeout
		cb.publishMetrics()
	}
}

// ForceOpen opens the breaker now with a reset timeout of at least elevated.
func (cb *CircuitBreaker) ForceOpen(elevated time.Duration) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if elevated > cb.resetTimeout {
		cb.resetTimeout = elevated
	}
	if cb.resetTimeout > cb.maxResetTimeout {
		cb.resetTimeout = cb.maxResetTimeout
	}
	cb.consecutiveSuccesses = 0
	cb.lastOpenedAt = cb.now()
	cb.setState(StateOpen)
	cb.publishMetrics()
}

// Reset returns the breaker to a closed state with baseline counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.resetTimeout = cb.baseResetTimeout
	cb.setState(StateClosed)
	cb.publishMetrics()
}

func (cb *CircuitBreaker) open() {
	cb.lastOpenedAt = cb.now()
	cb.resetTimeout *= 2
	if cb.resetTimeout > cb.maxResetTimeout {
		cb.resetTimeout = cb.maxResetTimeout
	}
	cb.setState(StateOpen)
	cb.publishMetrics()
	logger.Warn("Circuit breaker opened", "component", "BREAKER", "name", cb.name,
		"consecutive_failures", cb.consecutiveFailures, "reset_timeout", cb.resetTimeout)
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	metrics.CircuitBreakerTransitions.WithLabelValues(state.String()).Inc()
	cb.publishMetrics()

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

func (cb *CircuitBreaker) publishMetrics() {
	metrics.CircuitBreakerState.Set(float64(cb.state))
	metrics.CircuitBreakerResetTimeout.Set(cb.resetTimeout.Seconds())
}
