package lookup

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid lookup input")

	// ErrLookupFailed is returned when the record store could not answer.
	// Callers render "try again" for it and "check your details" for
	// models.ErrNotFound.
	ErrLookupFailed = errors.New("lookup failed")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
