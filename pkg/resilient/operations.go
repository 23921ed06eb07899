package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/pgkeeper/consts"
	"github.com/migadu/pgkeeper/db"
	pkgerrors "github.com/migadu/pgkeeper/pkg/errors"
	"github.com/migadu/pgkeeper/pkg/metrics"
	"github.com/migadu/pgkeeper/pkg/retry"
)

// WithRetry runs op under the policy. Each attempt receives the handle that is
// live when the attempt starts, so a pool swapped in mid-retry is picked up.
//
// Attempts are refused without I/O while the breaker is open. Connectivity
// failures are recorded on the breaker and retried; any other failure is
// returned immediately as *errors.QueryExecutionError.
func WithRetry[T any](ctx context.Context, m *Manager, p retry.Policy, op func(ctx context.Context, h db.Handle) (T, error)) (T, error) {
	start := time.Now()

	result, err := retry.Do(ctx, m.executor, p, func(ctx context.Context) (T, error) {
		var zero T
		if m.closed.Load() {
			return zero, retry.Stop(consts.ErrShutdown)
		}
		if !m.breaker.AllowAttempt() {
			return zero, retry.Stop(consts.ErrServiceUnavailable)
		}
		h := m.Current()
		if h == nil {
			return zero, retry.Stop(consts.ErrNotInitialized)
		}

		v, err := op(ctx, h)
		if err == nil {
			return v, nil
		}
		if pkgerrors.IsConnectivity(err) {
			m.breaker.RecordFailure(err)
			return zero, pkgerrors.Wrap(p.OperationName, err)
		}
		return zero, retry.Stop(&pkgerrors.QueryExecutionError{Err: err})
	})

	metrics.DBQueryDuration.Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(queryStatus(err)).Inc()
	return result, err
}

func queryStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, consts.ErrServiceUnavailable), errors.Is(err, consts.ErrShutdown), errors.Is(err, consts.ErrNotInitialized):
		return "rejected"
	case pkgerrors.IsConnectivity(err), pkgerrors.IsRetriesExhausted(err):
		return "connectivity_error"
	default:
		return "query_error"
	}
}

// Query runs sql with the default read policy. The caller must close the rows.
func (m *Manager) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return WithRetry(ctx, m, readPolicy, func(ctx context.Context, h db.Handle) (pgx.Rows, error) {
		return h.Query(ctx, sql, args...)
	})
}

// resilientRow defers the query until Scan so the whole round trip runs inside
// the retry loop.
type resilientRow struct {
	ctx  context.Context
	m    *Manager
	sql  string
	args []any
}

func (r *resilientRow) Scan(dest ...any) error {
	_, err := WithRetry(r.ctx, r.m, readPolicy, func(ctx context.Context, h db.Handle) (struct{}, error) {
		return struct{}{}, h.QueryRow(ctx, r.sql, r.args...).Scan(dest...)
	})
	return err
}

func (m *Manager) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &resilientRow{ctx: ctx, m: m, sql: sql, args: args}
}

func (m *Manager) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return WithRetry(ctx, m, writePolicy, func(ctx context.Context, h db.Handle) (pgconn.CommandTag, error) {
		return h.Exec(ctx, sql, args...)
	})
}
