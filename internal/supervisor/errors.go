package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout  = errors.New("execution timed out")
	ErrCanceled = errors.New("execution canceled")
	ErrSpawn    = errors.New("failed to start process")
	ErrClosed   = errors.New("supervisor is shutting down")
)

// ExecutionError wraps a failure with the run it belongs to.
type ExecutionError struct {
	RunID string
	Op    string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a wall-clock timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
