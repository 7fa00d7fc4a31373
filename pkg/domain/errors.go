package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("concurrent update conflict")
	ErrAlreadyExists      = errors.New("active validation set already exists")
	ErrTransient          = errors.New("transient infrastructure fault")
	ErrArtifactNotReady   = errors.New("artifact not yet available")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidGraph       = errors.New("invalid validation graph")
	ErrInvalidSubmission  = errors.New("invalid submission")
	ErrUnrecoverable      = errors.New("unrecoverable orchestration fault")
	ErrHalted             = errors.New("validation set halted")
)

// Transient marks err as a retryable infrastructure fault.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrTransient, err)
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// InvariantViolationError is returned by a validator that received an
// upstream result it should never be able to see.
type InvariantViolationError struct {
	Step   string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation in step %s: %s", e.Step, e.Reason)
}

// Is makes errors.Is(err, ErrInvariantViolation) match.
func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}
