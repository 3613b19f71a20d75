package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrSchedulerClosed resolves completions whose task never started
	// because the scheduler shut down.
	ErrSchedulerClosed = errors.New("scheduler: closed")

	// ErrInvalidLimit is returned for non-positive limits.
	ErrInvalidLimit = errors.New("scheduler: invalid limit")
)

// PanicError is the outcome of a task that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("scheduler: task panicked: %v", e.Value)
}

// IsPanic reports whether err is or wraps a *PanicError.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
