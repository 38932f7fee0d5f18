package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. All of them describe the host,
// never the strategy: faults in user code are reported through Result.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrResourceExceeded   = errors.New("resource limit exceeded")
	ErrContainerdDown     = errors.New("containerd unavailable")
	ErrBackendUnavailable = errors.New("no sandbox backend available")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrUnsupportedLang    = errors.New("unsupported language")
	ErrClosed             = errors.New("sandbox is shutting down")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsInvalidRequest reports whether err rejects the request itself rather
// than signalling an infrastructure fault.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnsupportedLang)
}
