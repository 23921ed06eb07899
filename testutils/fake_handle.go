package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/pgkeeper/consts"
	"github.com/migadu/pgkeeper/db"
)

// FakeHandle is an in-memory db.Handle.
type FakeHandle struct {
	name    string
	profile db.Profile

	mu            sync.Mutex
	pingErr       error
	pingQueue     []error
	pingDelay     time.Duration
	ignoreContext bool
	queryErr      error
	queryQueue    []error
	stats         db.PoolStats
	closed        bool
	onClose       func(h *FakeHandle)

	pings   atomic.Int32
	queries atomic.Int32
	closes  atomic.Int32
}

var _ db.Handle = (*FakeHandle)(nil)

func NewFakeHandle(name string) *FakeHandle {
	return &FakeHandle{
		name:    name,
		profile: db.Profile{Name: name},
		stats:   db.PoolStats{Total: 1, Idle: 1},
	}
}

func (h *FakeHandle) Name() string { return h.name }

// SetPingError makes every later ping fail with err (nil restores success).
func (h *FakeHandle) SetPingError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingErr = err
}

// QueuePingResults scripts the next pings; once drained SetPingError applies.
func (h *FakeHandle) QueuePingResults(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingQueue = append(h.pingQueue, errs...)
}

// SetPingDelay stalls every ping. With ignoreContext the stall also ignores
// cancellation, like a driver stuck on a dead socket.
func (h *FakeHandle) SetPingDelay(d time.Duration, ignoreContext bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingDelay = d
	h.ignoreContext = ignoreContext
}

// SetQueryError makes Query, QueryRow and Exec fail with err.
func (h *FakeHandle) SetQueryError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queryErr = err
}

// QueueQueryResults scripts the next Query, QueryRow or Exec outcomes.
func (h *FakeHandle) QueueQueryResults(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queryQueue = append(h.queryQueue, errs...)
}

func (h *FakeHandle) SetStats(s db.PoolStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = s
}

// OnClose registers a hook run on every Close call.
func (h *FakeHandle) OnClose(fn func(h *FakeHandle)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

func (h *FakeHandle) Pings() int   { return int(h.pings.Load()) }
func (h *FakeHandle) Queries() int { return int(h.queries.Load()) }
func (h *FakeHandle) Closes() int  { return int(h.closes.Load()) }

func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *FakeHandle) nextQueryErr() error {
	h.queries.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return consts.ErrPoolClosed
	}
	if len(h.queryQueue) > 0 {
		err := h.queryQueue[0]
		h.queryQueue = h.queryQueue[1:]
		return err
	}
	return h.queryErr
}

func (h *FakeHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := h.nextQueryErr(); err != nil {
		return nil, err
	}
	return &fakeRows{}, nil
}

func (h *FakeHandle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: h.nextQueryErr()}
}

func (h *FakeHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := h.nextQueryErr(); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (h *FakeHandle) Ping(ctx context.Context) error {
	h.pings.Add(1)

	h.mu.Lock()
	closed := h.closed
	delay := h.pingDelay
	ignoreContext := h.ignoreContext
	err := h.pingErr
	if len(h.pingQueue) > 0 {
		err = h.pingQueue[0]
		h.pingQueue = h.pingQueue[1:]
	}
	h.mu.Unlock()

	if closed {
		return consts.ErrPoolClosed
	}

	if delay > 0 {
		if ignoreContext {
			time.Sleep(delay)
		} else {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return err
}

func (h *FakeHandle) Stats() db.PoolStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *FakeHandle) Profile() db.Profile {
	return h.profile
}

func (h *FakeHandle) Close() {
	h.closes.Add(1)
	h.mu.Lock()
	h.closed = true
	hook := h.onClose
	h.mu.Unlock()
	if hook != nil {
		hook(h)
	}
}

type fakeRow struct {
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for _, d := range dest {
		if p, ok := d.(*int); ok {
			*p = 1
		}
	}
	return nil
}

// fakeRows is an empty result set.
type fakeRows struct {
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 0") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.closed = true; return false }
func (r *fakeRows) Scan(dest ...any) error                       { return fmt.Errorf("no rows") }
func (r *fakeRows) Values() ([]any, error)                       { return nil, fmt.Errorf("no rows") }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

// FakeFactory is a db.Factory that hands out FakeHandles.
type FakeFactory struct {
	// Configure customizes each handle before it is returned.
	Configure func(p db.Profile, h *FakeHandle)
	// BuildErr fails construction for a profile when it returns non-nil.
	BuildErr func(p db.Profile) error
	// Gate, when set, blocks every construction until it is closed.
	Gate chan struct{}

	mu      sync.Mutex
	builds  []db.Profile
	handles []*FakeHandle
	started chan struct{}
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{started: make(chan struct{}, 16)}
}

// Open satisfies db.Factory.
func (f *FakeFactory) Open(ctx context.Context, p db.Profile) (db.Handle, error) {
	f.mu.Lock()
	f.builds = append(f.builds, p)
	gate := f.Gate
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.BuildErr != nil {
		if err := f.BuildErr(p); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	h := NewFakeHandle(fmt.Sprintf("%s-%d", p.Name, len(f.builds)))
	f.mu.Unlock()
	h.profile = p
	if f.Configure != nil {
		f.Configure(p, h)
	}

	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

// Started receives once per construction that has begun.
func (f *FakeFactory) Started() <-chan struct{} {
	return f.started
}

func (f *FakeFactory) Builds() []db.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.Profile(nil), f.builds...)
}

func (f *FakeFactory) Handles() []*FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeHandle(nil), f.handles...)
}
