package db

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/pgkeeper/logger"
	"github.com/stretchr/testify/assert"
)

func TestQueryTracerLogsStatements(t *testing.T) {
	var buf bytes.Buffer
	prev := logger.Get()
	logger.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer logger.SetLogger(prev)

	tracer := &QueryTracer{Profile: ProfilePrimary}

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: ProbeSQL})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	ctx = tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELEC 1", Args: []any{1, 2}})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("syntax error")})

	out := buf.String()
	assert.Contains(t, out, `msg="Query executed"`)
	assert.Contains(t, out, `sql="SELECT 1"`)
	assert.Contains(t, out, `msg="Query failed"`)
	assert.Contains(t, out, "args=2")
	assert.Contains(t, out, `error="syntax error"`)
}

func TestQueryTracerWithoutStart(t *testing.T) {
	tracer := &QueryTracer{}
	assert.NotPanics(t, func() {
		tracer.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	})
}
