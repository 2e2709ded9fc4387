package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks recoverable input errors; the caller fixes the
	// input and resubmits.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrNotFound marks references to absent obligations, payments, or
	// counterparties.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvalidState marks computed invariant violations, e.g. a negative
	// credit balance. Fatal to the operation and never silently corrected.
	ErrInvalidState = errors.New("ledger: invalid state")
)

// FieldError is a validation failure naming the offending field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("ledger: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match field errors.
func (e *FieldError) Unwrap() error {
	return ErrValidation
}

func fieldErr(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}
