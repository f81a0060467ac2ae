package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("coordinator: validation failed")

	// ErrCommandTimeout is returned when a switch command was not confirmed
	// within the command timeout. The optimistic value has been rolled back.
	ErrCommandTimeout = errors.New("coordinator: command timed out")

	// ErrDeviceNotFound is returned for a device id not in the registry.
	ErrDeviceNotFound = errors.New("coordinator: device not found")

	// ErrTimerNotFound is returned when the server no longer has the timer.
	ErrTimerNotFound = errors.New("coordinator: timer not found")

	// ErrAlreadyRunning is returned by Start on a running coordinator.
	ErrAlreadyRunning = errors.New("coordinator: already running")
)

// ValidationError reports a command argument rejected before any network
// call was made.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("coordinator: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Err: err}
}
