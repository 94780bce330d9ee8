package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Nothing is stored.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the request id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the actor may not act on this request's category.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition means the status change does not move forward
	// through pending -> in-progress -> completed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
