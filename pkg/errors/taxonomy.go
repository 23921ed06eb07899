// Package errors defines the failure taxonomy of the connectivity layer and the
// classification used to decide what counts against the circuit breaker.
//
//   - TransientConnectivityError: timeouts, refused or reset connections, connection-class
//     SQLSTATEs. Retried and counted by the breaker.
//   - QueryExecutionError: the connection is fine but the statement failed. Never retried.
//   - RetriesExhaustedError: terminal failure of the retry executor, wraps the last error.
//   - RecoveryFailedError: both recovery stages failed.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/pgkeeper/consts"
)

// Kind is the classification of a failure.
type Kind int

const (
	KindNone Kind = iota
	KindConnectivity
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindQuery:
		return "query"
	default:
		return "none"
	}
}

type TransientConnectivityError struct {
	Op  string
	Err error
}

func (e *TransientConnectivityError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient connectivity error: %v", e.Err)
	}
	return fmt.Sprintf("transient connectivity error during %s: %v", e.Op, e.Err)
}

func (e *TransientConnectivityError) Unwrap() error { return e.Err }

type QueryExecutionError struct {
	Err error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution failed: %v", e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

type RecoveryFailedError struct {
	Err error
}

func (e *RecoveryFailedError) Error() string {
	return fmt.Sprintf("pool recovery failed in all stages: %v", e.Err)
}

func (e *RecoveryFailedError) Unwrap() error { return e.Err }

// Wrap attaches the classification of err as a typed error. Already typed errors are
// returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var tce *TransientConnectivityError
	var qee *QueryExecutionError
	if stderrors.As(err, &tce) || stderrors.As(err, &qee) {
		return err
	}
	switch Classify(err) {
	case KindConnectivity:
		return &TransientConnectivityError{Op: op, Err: err}
	default:
		return &QueryExecutionError{Err: err}
	}
}

// IsConnectivity reports whether err is a transient connectivity failure.
func IsConnectivity(err error) bool {
	return Classify(err) == KindConnectivity
}

// IsRetriesExhausted reports whether err is a terminal retry failure.
func IsRetriesExhausted(err error) bool {
	var re *RetriesExhaustedError
	return stderrors.As(err, &re)
}

var connectivityMarkers = []string{
	"connection",
	"network",
	"timeout",
	"timed out",
	"econnrefused",
	"econnreset",
	"etimedout",
	"ehostunreach",
	"broken pipe",
	"no such host",
	"unexpected eof",
	"terminat",
	"websocket",
	"closed pool",
}

// Classify decides whether err is a connectivity failure or a query failure.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var tce *TransientConnectivityError
	if stderrors.As(err, &tce) {
		return KindConnectivity
	}
	var qee *QueryExecutionError
	if stderrors.As(err, &qee) {
		return KindQuery
	}

	if stderrors.Is(err, context.Canceled) {
		return KindQuery
	}
	if stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, consts.ErrServiceUnavailable) ||
		stderrors.Is(err, consts.ErrPoolClosed) {
		return KindConnectivity
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow:
			return KindConnectivity
		default:
			return KindQuery
		}
	}

	var connectErr *pgconn.ConnectError
	if stderrors.As(err, &connectErr) {
		return KindConnectivity
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return KindConnectivity
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindConnectivity
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.ETIMEDOUT) || stderrors.Is(err, syscall.EPIPE) {
		return KindConnectivity
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range connectivityMarkers {
		if strings.Contains(msg, marker) {
			return KindConnectivity
		}
	}
	return KindQuery
}
