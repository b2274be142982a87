package drip

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("drip item not found")

	// ErrConflict means a compare-and-swap on status lost a race.
	ErrConflict = errors.New("concurrent modification of drip item")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError rejects bad input at enqueue time.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalidTransition(id string, from, to Status) error {
	return fmt.Errorf("%w: item %s %s -> %s", ErrInvalidTransition, id, from, to)
}
