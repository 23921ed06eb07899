package errors

import (
	"fmt"
	"os"

	"github.com/migadu/pgkeeper/logger"
)

// GracefulError names the lifecycle operation that failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler collects fatal lifecycle errors so main can exit with a code after
// running its deferred teardown.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "component", "LIFECYCLE", "error", NewGracefulError(operation, err))
	eh.signal(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "component", "LIFECYCLE", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to load configuration", "component", "LIFECYCLE", "path", configPath, "error", err)
	}
	eh.signal(2)
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// ExitCode returns the first recorded exit code, or 0 when nothing failed.
func (eh *ErrorHandler) ExitCode() int {
	select {
	case code := <-eh.exitChannel:
		return code
	default:
		return 0
	}
}
