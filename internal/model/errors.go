package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"imagecore/internal/entity"
)

var (
	// ErrInvalidBuffer is returned by SetData for a buffer without a shape.
	ErrInvalidBuffer = errors.New("model: buffer has no defined shape")
	// ErrLoad marks a failed buffer load; see LoadError.
	ErrLoad = errors.New("model: load failed")
	// ErrValidation marks a rejected setter value.
	ErrValidation = entity.ErrValidation
	// ErrVersion marks a data item written by a newer writer.
	ErrVersion = errors.New("model: unsupported data item version")
)

// ValidationError reports a value rejected at a setter.
type ValidationError = entity.ValidationError

// LoadError reports a buffer that could not be brought back from storage.
// The source stays without a resident buffer.
type LoadError struct {
	SourceID uuid.UUID
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load data for source %s: %v", e.SourceID, e.Err)
}

func (e *LoadError) Unwrap() []error { return []error{ErrLoad, e.Err} }

func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("model: "+format, args...))
	}
}
