package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord marks a single transaction that failed validation.
	ErrMalformedRecord = errors.New("malformed transaction record")

	// ErrInvariantViolation marks a broken engine contract. Runs that hit it
	// never produce a report.
	ErrInvariantViolation = errors.New("internal invariant violation")

	ErrNotFound       = errors.New("record not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrMissingColumns = errors.New("missing required columns")
)

// InvariantError reports which engine component broke its contract.
type InvariantError struct {
	Component string
	Detail    string
}

// NewInvariantError builds an InvariantError with a formatted detail.
func NewInvariantError(component, format string, args ...any) *InvariantError {
	return &InvariantError{
		Component: component,
		Detail:    fmt.Sprintf(format, args...),
	}
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvariantViolation, e.Component, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}
