package circuitbreaker

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	st := DefaultSettings("test")
	st.Now = clock.Now
	st.OnStateChange = nil
	return NewCircuitBreaker(st)
}

var errRefused = syscall.ECONNREFUSED

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 1; i < 10; i++ {
		cb.RecordFailure(errRefused)
		assert.True(t, cb.AllowAttempt(), "attempt should be allowed after %d failures", i)
	}

	cb.RecordFailure(errRefused)
	assert.False(t, cb.AllowAttempt())
	assert.Equal(t, StateOpen, cb.State())

	snap := cb.Snapshot()
	assert.True(t, snap.IsOpen)
	assert.Equal(t, 10, snap.ConsecutiveFailures)
	assert.Equal(t, clock.now, snap.LastOpenedAt)
	assert.Equal(t, 60*time.Second, snap.ResetTimeout)

	clock.Advance(59 * time.Second)
	assert.False(t, cb.AllowAttempt())

	clock.Advance(time.Second)
	assert.True(t, cb.AllowAttempt())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerIgnoresQueryFailuresForTripping(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	queryErr := errors.New(`syntax error at or near "SELEC"`)
	for i := 0; i < 20; i++ {
		cb.RecordFailure(queryErr)
	}

	assert.True(t, cb.AllowAttempt())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 20, cb.Snapshot().ConsecutiveFailures)

	// The streak is already past the threshold, so the next connectivity failure trips.
	cb.RecordFailure(errRefused)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerResetTimeoutDoublesAndCaps(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure(errRefused)
	}
	require.Equal(t, StateOpen, cb.State())

	expected := []time.Duration{
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}

	prev := cb.Snapshot().ResetTimeout
	assert.Equal(t, 60*time.Second, prev)

	for _, want := range expected {
		clock.Advance(prev)
		require.True(t, cb.AllowAttempt(), "half-open probe should be admitted")
		cb.RecordFailure(errRefused)

		snap := cb.Snapshot()
		assert.True(t, snap.IsOpen)
		assert.Equal(t, want, snap.ResetTimeout)
		assert.LessOrEqual(t, snap.ResetTimeout, 300*time.Second)
		prev = snap.ResetTimeout
	}
}

func TestBreakerFailuresWhileOpenDoNotReopen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure(errRefused)
	}
	opened := cb.Snapshot()

	clock.Advance(10 * time.Second)
	cb.RecordFailure(errRefused)

	snap := cb.Snapshot()
	assert.Equal(t, opened.LastOpenedAt, snap.LastOpenedAt)
	assert.Equal(t, opened.ResetTimeout, snap.ResetTimeout)
	assert.Equal(t, 11, snap.ConsecutiveFailures)
}

func TestBreakerStabilityReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure(errRefused)
	}
	clock.Advance(cb.Snapshot().ResetTimeout)
	require.True(t, cb.AllowAttempt())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 10, cb.Snapshot().ConsecutiveFailures, "counters stay elevated until the stability streak")

	for i := 0; i < 4; i++ {
		cb.RecordSuccess()
	}

	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 5, snap.ConsecutiveSuccesses)
	assert.Equal(t, 30*time.Second, snap.ResetTimeout)
}

func TestBreakerForceOpenAndReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	cb.ForceOpen(60 * time.Second)
	assert.False(t, cb.AllowAttempt())

	snap := cb.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 60*time.Second, snap.ResetTimeout)

	clock.Advance(60 * time.Second)
	assert.True(t, cb.AllowAttempt())

	cb.Reset()
	snap = cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, snap.ResetTimeout)
}

func TestBreakerForceOpenKeepsLongerTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure(errRefused)
	}
	clock.Advance(60 * time.Second)
	require.True(t, cb.AllowAttempt())
	cb.RecordFailure(errRefused) // 120s

	cb.ForceOpen(60 * time.Second)
	assert.Equal(t, 120*time.Second, cb.Snapshot().ResetTimeout)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var transitions []string

	st := DefaultSettings("callback")
	st.Now = clock.Now
	st.FailureThreshold = 2
	st.OnStateChange = func(name string, from State, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}
	cb := NewCircuitBreaker(st)

	cb.RecordFailure(errRefused)
	cb.RecordFailure(errRefused)
	clock.Advance(time.Hour)
	cb.AllowAttempt()
	cb.RecordSuccess()

	assert.Equal(t, []string{
		"callback:CLOSED->OPEN",
		"callback:OPEN->HALF_OPEN",
		"callback:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
