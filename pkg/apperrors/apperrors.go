// Package apperrors defines the error taxonomy shared across the control
// plane. Errors are split in two families: known errors are expected
// operational conditions (bad configuration, missing credential material,
// duplicate identifiers) that are logged concisely and mapped to a
// dedicated process exit code; timeouts signal that a bounded wait
// exhausted its budget and let the caller decide whether that is fatal.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Process exit codes, following sysexits conventions. A KnownError exits
// with its own code; an unhandled crash exits with 1 so operators can
// tell the two apart.
const (
	ExitSoftware = 70
	ExitConfig   = 78
)

// KnownError is an expected, user-actionable condition. It is reported
// without a stack trace and never triggers queue-level redelivery.
type KnownError struct {
	Message  string
	ExitCode int
	Err      error
}

// NewKnown creates a KnownError with the default exit code.
func NewKnown(format string, args ...interface{}) *KnownError {
	return &KnownError{
		Message:  fmt.Sprintf(format, args...),
		ExitCode: ExitSoftware,
	}
}

// NewKnownConfig creates a KnownError signalling a configuration problem.
func NewKnownConfig(format string, args ...interface{}) *KnownError {
	return &KnownError{
		Message:  fmt.Sprintf(format, args...),
		ExitCode: ExitConfig,
	}
}

// WrapKnown attaches an underlying cause to a KnownError.
func WrapKnown(err error, format string, args ...interface{}) *KnownError {
	return &KnownError{
		Message:  fmt.Sprintf(format, args...),
		ExitCode: ExitSoftware,
		Err:      err,
	}
}

func (e *KnownError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *KnownError) Unwrap() error {
	return e.Err
}

// IsKnown reports whether err is, or wraps, a KnownError.
func IsKnown(err error) bool {
	var e *KnownError
	return errors.As(err, &e)
}

// TimeoutError reports that a bounded-wait operation exceeded its budget.
// Callers decide whether to surface it as a failure or retry.
type TimeoutError struct {
	Op     string
	Budget time.Duration
	Err    error
}

// NewTimeout creates a TimeoutError for the given operation.
func NewTimeout(op string, budget time.Duration) *TimeoutError {
	return &TimeoutError{Op: op, Budget: budget}
}

// WrapTimeout creates a TimeoutError carrying the final underlying error
// observed before the budget expired.
func WrapTimeout(op string, budget time.Duration, err error) *TimeoutError {
	return &TimeoutError{Op: op, Budget: budget, Err: err}
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s timed out after %s: %s", e.Op, e.Budget, e.Err)
	}
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Budget)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}
