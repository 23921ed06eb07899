package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/pgkeeper/logger"
)

type traceStartKey struct{}

type traceStart struct {
	sql   string
	args  int
	start time.Time
}

// QueryTracer logs every statement at debug level.
type QueryTracer struct {
	Profile string
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{
		sql:   data.SQL,
		args:  len(data.Args),
		start: time.Now(),
	})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}

	attrs := []any{"component", "POOL", "profile", t.Profile, "sql", ts.sql, "args", ts.args,
		"duration", time.Since(ts.start)}
	if data.Err != nil {
		logger.Debug("Query failed", append(attrs, "error", data.Err)...)
		return
	}
	logger.Debug("Query executed", append(attrs, "rows", data.CommandTag.RowsAffected())...)
}
