package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a rejected property value.
	ErrValidation = errors.New("entity: validation failed")
	// ErrDuplicateChild is raised (as a panic) when a child is inserted twice.
	ErrDuplicateChild = errors.New("entity: duplicate child")
	// ErrUnknownType marks a stored child whose discriminator has no factory.
	ErrUnknownType = errors.New("entity: unknown type")
)

// ValidationError reports a value rejected at a property setter. The stored
// value is left unchanged.
type ValidationError struct {
	Field string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// UnknownTypeError reports a child skipped while reading.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("entity: no factory for type %q", e.Type)
}

func (e *UnknownTypeError) Unwrap() error { return ErrUnknownType }
