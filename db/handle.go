// Package db owns the physical connection pools.
//
// A Handle is one pgxpool plus the profile it was built from. Handles are never
// reconfigured in place: recovery builds a fresh one from a different Profile and
// the manager publishes it, closing the previous handle afterwards.
package db

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/pgkeeper/consts"
	"github.com/migadu/pgkeeper/helpers"
	"github.com/migadu/pgkeeper/logger"
)

// ProbeSQL is the trivial query used to test connectivity.
const ProbeSQL = "SELECT 1"

// PoolStats is a non-blocking occupancy snapshot.
type PoolStats struct {
	Total   int32 `json:"total"`
	Idle    int32 `json:"idle"`
	Waiting int32 `json:"waiting"`
}

// Handle is an active connection pool.
type Handle interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Ping runs ProbeSQL once.
	Ping(ctx context.Context) error
	Stats() PoolStats
	Profile() Profile
	Close()
}

// Factory builds a Handle for a profile. It must not block on the network;
// connectivity is verified separately with Probe.
type Factory func(ctx context.Context, p Profile) (Handle, error)

// PgxHandle is a Handle backed by pgxpool.
type PgxHandle struct {
	pool      *pgxpool.Pool
	profile   Profile
	waiting   atomic.Int32
	closeOnce sync.Once
}

var _ Handle = (*PgxHandle)(nil)

// Open is the production Factory.
func Open(ctx context.Context, p Profile) (Handle, error) {
	return NewPgxHandle(ctx, p)
}

func NewPgxHandle(ctx context.Context, p Profile) (*PgxHandle, error) {
	cfg, err := buildPoolConfig(p)
	if err != nil {
		return nil, err
	}

	logger.Info("Creating connection pool", "component", "POOL", "profile", p.Name,
		"url", helpers.MaskConnectionString(p.URL), "max_conns", cfg.MaxConns, "min_conns", cfg.MinConns,
		"connect_timeout", p.ConnectTimeout, "idle_timeout", p.IdleTimeout)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connection pool: %w", p.Name, err)
	}
	return &PgxHandle{pool: pool, profile: p}, nil
}

func buildPoolConfig(p Profile) (*pgxpool.Config, error) {
	if p.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	cfg, err := pgxpool.ParseConfig(p.URL)
	if err != nil {
		// pgconn errors echo the connection string, so keep only the masked form.
		return nil, fmt.Errorf("unable to parse connection string %s", helpers.MaskConnectionString(p.URL))
	}

	if p.MaxConns > 0 {
		cfg.MaxConns = p.MaxConns
	}
	if p.MinConns >= 0 && p.MinConns <= cfg.MaxConns {
		cfg.MinConns = p.MinConns
	}
	if p.IdleTimeout > 0 {
		cfg.MaxConnIdleTime = p.IdleTimeout
	}
	if p.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = p.MaxConnLifetime
	}
	if p.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = p.HealthCheckPeriod
	}
	if p.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = p.ConnectTimeout
	}

	dialer := &net.Dialer{Timeout: p.ConnectTimeout, KeepAlive: p.KeepAlive}
	cfg.ConnConfig.DialFunc = dialer.DialContext

	if p.Debug {
		cfg.ConnConfig.Tracer = &QueryTracer{Profile: p.Name}
	}
	return cfg, nil
}

func (h *PgxHandle) Profile() Profile {
	return h.profile
}

func (h *PgxHandle) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	h.waiting.Add(1)
	defer h.waiting.Add(-1)
	return h.pool.Acquire(ctx)
}

func (h *PgxHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	conn, err := h.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &releasingRows{Rows: rows, conn: conn}, nil
}

func (h *PgxHandle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	conn, err := h.acquire(ctx)
	if err != nil {
		return errRow{err: err}
	}
	return &releasingRow{row: conn.QueryRow(ctx, sql, args...), conn: conn}
}

func (h *PgxHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	conn, err := h.acquire(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer conn.Release()
	return conn.Exec(ctx, sql, args...)
}

func (h *PgxHandle) Ping(ctx context.Context) error {
	var one int
	return h.QueryRow(ctx, ProbeSQL).Scan(&one)
}

func (h *PgxHandle) Stats() PoolStats {
	stat := h.pool.Stat()
	return PoolStats{
		Total:   stat.TotalConns(),
		Idle:    stat.IdleConns(),
		Waiting: h.waiting.Load(),
	}
}

// Close waits for acquired connections to be released. Safe to call more than once.
func (h *PgxHandle) Close() {
	h.closeOnce.Do(func() {
		h.pool.Close()
		logger.Info("Connection pool closed", "component", "POOL", "profile", h.profile.Name)
	})
}

// releasingRows returns its connection to the pool once the result set is done.
type releasingRows struct {
	pgx.Rows
	conn *pgxpool.Conn
	once sync.Once
}

func (r *releasingRows) Next() bool {
	if r.Rows.Next() {
		return true
	}
	r.release()
	return false
}

func (r *releasingRows) Close() {
	r.Rows.Close()
	r.release()
}

func (r *releasingRows) release() {
	r.once.Do(func() {
		r.Rows.Close()
		r.conn.Release()
	})
}

type releasingRow struct {
	row  pgx.Row
	conn *pgxpool.Conn
}

func (r *releasingRow) Scan(dest ...any) error {
	defer r.conn.Release()
	return r.row.Scan(dest...)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}

// Probe runs Ping against h with its own timeout. The ping is raced against a
// timer so a handle that ignores its context cannot stall the caller.
func Probe(ctx context.Context, h Handle, timeout time.Duration) (time.Duration, error) {
	if h == nil {
		return 0, consts.ErrNotInitialized
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- h.Ping(probeCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return time.Since(start), err
	case <-timer.C:
		return time.Since(start), fmt.Errorf("probe timed out after %s: %w", timeout, context.DeadlineExceeded)
	case <-probeCtx.Done():
		return time.Since(start), fmt.Errorf("probe aborted after %s: %w", time.Since(start).Round(time.Millisecond), probeCtx.Err())
	}
}
