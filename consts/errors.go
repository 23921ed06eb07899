package consts

import "errors"

var (
	ErrServiceUnavailable = errors.New("database unavailable: circuit breaker is open")
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	ErrPoolClosed         = errors.New("connection pool is closed")
	ErrNotInitialized     = errors.New("connection pool manager is not initialized")
	ErrShutdown           = errors.New("connection pool manager is shut down")
)
