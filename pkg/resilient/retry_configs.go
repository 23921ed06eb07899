package resilient

import (
	"time"

	"github.com/migadu/pgkeeper/pkg/retry"
)

// readPolicy is the default strategy for caller queries.
var readPolicy = retry.Policy{
	MaxAttempts:       3,
	InitialDelay:      500 * time.Millisecond,
	BackoffMultiplier: 2.0,
	MaxDelay:          5 * time.Second,
	OperationName:     "db_read",
}

// writePolicy is used for Exec.
var writePolicy = retry.Policy{
	MaxAttempts:       2, // Writes are less safe to retry automatically
	InitialDelay:      500 * time.Millisecond,
	BackoffMultiplier: 2.0,
	MaxDelay:          5 * time.Second,
	OperationName:     "db_write",
}

// startupRecoveryPolicy spaces out recoveries when the first probe fails.
func startupRecoveryPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:       attempts,
		InitialDelay:      2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		OperationName:     "startup_recovery",
	}
}

// DefaultPolicy is the policy callers should pass to WithRetry for ordinary queries.
func DefaultPolicy() retry.Policy {
	return readPolicy
}
