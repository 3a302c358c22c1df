package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobExists        = errors.New("job already exists")
	ErrJobNotFound      = errors.New("job not found")
	ErrActivityNotFound = errors.New("activity not found")
	ErrConflict         = errors.New("concurrent update conflict")
	ErrNotOwner         = errors.New("job owned by another worker")
	ErrNotConfirmable   = errors.New("job is not awaiting confirmation")
	ErrJobTerminal      = errors.New("job already terminal")
)

type ErrorCategory string

const (
	SetupError      ErrorCategory = "SETUP_ERROR"
	ValidationError ErrorCategory = "VALIDATION_ERROR"
	RemoteError     ErrorCategory = "REMOTE_ERROR"
	ActivityTimeoutError ErrorCategory = "ACTIVITY_TIMEOUT"
	TransientError  ErrorCategory = "TRANSIENT_ERROR"
	Cancelled       ErrorCategory = "CANCELLED"
	InternalError   ErrorCategory = "INTERNAL_ERROR"
)

// PhaseError carries the taxonomy category alongside the underlying error so
// the scheduler and event stream can classify failures without string
// matching.
type PhaseError struct {
	Category ErrorCategory
	Err      error
}

func (e *PhaseError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func NewPhaseError(cat ErrorCategory, format string, args ...any) *PhaseError {
	return &PhaseError{Category: cat, Err: fmt.Errorf(format, args...)}
}

func WrapPhaseError(cat ErrorCategory, err error) *PhaseError {
	return &PhaseError{Category: cat, Err: err}
}

// CategoryOf classifies an arbitrary error. Unknown errors are internal.
func CategoryOf(err error) ErrorCategory {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return InternalError
}

func IsCancelled(err error) bool {
	return CategoryOf(err) == Cancelled
}
