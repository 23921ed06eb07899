package retry

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/migadu/pgkeeper/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.slept {
		sum += d
	}
	return sum
}

var testPolicy = Policy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, BackoffMultiplier: 2}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	sleeper := &recordingSleeper{}
	exec := NewExecutor(WithSleep(sleeper.sleep))

	calls := 0
	got, err := Do(context.Background(), exec, testPolicy, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", stderrors.New("connect ECONNREFUSED")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.slept)
}

func TestDoExhaustsRetries(t *testing.T) {
	sleeper := &recordingSleeper{}
	exec := NewExecutor(WithSleep(sleeper.sleep))
	refused := stderrors.New("connect ECONNREFUSED 127.0.0.1:5432")

	calls := 0
	_, err := Do(context.Background(), exec, testPolicy, func(context.Context) (int, error) {
		calls++
		return 0, refused
	})

	require.Error(t, err)
	var exhausted *pkgerrors.RetriesExhaustedError
	require.True(t, stderrors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 30*time.Millisecond, sleeper.total())
}

func TestDoRealClockElapsedDelay(t *testing.T) {
	start := time.Now()
	_, err := Do(context.Background(), nil, testPolicy, func(context.Context) (int, error) {
		return 0, stderrors.New("ECONNREFUSED")
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDoStopErrorIsNotRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	exec := NewExecutor(WithSleep(sleeper.sleep))
	syntax := stderrors.New("syntax error at or near SELEC")

	calls := 0
	_, err := Do(context.Background(), exec, testPolicy, func(context.Context) (int, error) {
		calls++
		return 0, Stop(syntax)
	})

	assert.Same(t, syntax, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.slept)
	assert.False(t, pkgerrors.IsRetriesExhausted(err))
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor(WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	_, err := Do(ctx, exec, testPolicy, func(context.Context) (int, error) {
		calls++
		return 0, stderrors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3), "capped")
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))

	p.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestWithRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return nil
	}, Policy{})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}
