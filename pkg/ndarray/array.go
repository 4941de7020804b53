// Package ndarray holds the n-dimensional numeric buffers owned by buffered
// data sources. Arrays are plain byte storage plus shape and dtype, with
// no array math.
package ndarray

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShape is returned when a shape and a byte length disagree.
var ErrShape = errors.New("ndarray: shape mismatch")

// Array is a dense row-major buffer. The zero value has no shape and is not
// a usable buffer.
type Array struct {
	shape []int
	dtype DType
	data  []byte
}

// New allocates a zeroed array. An empty shape describes a scalar.
func New(shape []int, dtype DType) (*Array, error) {
	n, err := elementCount(shape, dtype)
	if err != nil {
		return nil, err
	}
	return &Array{shape: append([]int{}, shape...), dtype: dtype, data: make([]byte, n*dtype.ItemSize())}, nil
}

// FromBytes wraps raw little-endian element bytes. The slice is copied.
func FromBytes(shape []int, dtype DType, data []byte) (*Array, error) {
	n, err := elementCount(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(data) != n*dtype.ItemSize() {
		return nil, fmt.Errorf("%w: %d bytes for shape %v %s", ErrShape, len(data), shape, dtype)
	}
	return &Array{shape: append([]int{}, shape...), dtype: dtype, data: append([]byte(nil), data...)}, nil
}

// FromFloat64 builds a float64 array from values in row-major order.
func FromFloat64(shape []int, values []float64) (*Array, error) {
	a, err := New(shape, Float64)
	if err != nil {
		return nil, err
	}
	if len(values) != a.Size() {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(values), shape)
	}
	for i, v := range values {
		binary.LittleEndian.PutUint64(a.data[i*8:], math.Float64bits(v))
	}
	return a, nil
}

func elementCount(shape []int, dtype DType) (int, error) {
	if shape == nil {
		return 0, fmt.Errorf("%w: nil shape", ErrShape)
	}
	if !dtype.Valid() {
		return 0, fmt.Errorf("ndarray: unknown dtype %q", dtype)
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		n *= d
	}
	if c := dtype.Channels(); c > 0 && (len(shape) == 0 || shape[len(shape)-1] != c) {
		return 0, fmt.Errorf("%w: %s needs trailing axis %d, got %v", ErrShape, dtype, c, shape)
	}
	return n, nil
}

// HasShape reports whether the array carries a defined shape.
func (a *Array) HasShape() bool { return a != nil && a.shape != nil }

// Shape returns a copy of the array shape.
func (a *Array) Shape() []int {
	if a == nil || a.shape == nil {
		return nil
	}
	return append([]int{}, a.shape...)
}

// DType returns the element type.
func (a *Array) DType() DType {
	if a == nil {
		return ""
	}
	return a.dtype
}

// Rank is the number of axes.
func (a *Array) Rank() int { return len(a.Shape()) }

// Size is the number of stored elements (channels count individually).
func (a *Array) Size() int {
	if a == nil || a.dtype.ItemSize() == 0 {
		return 0
	}
	return len(a.data) / a.dtype.ItemSize()
}

// Bytes exposes the backing storage. Callers holding a data reference must
// treat it as read-only.
func (a *Array) Bytes() []byte {
	if a == nil {
		return nil
	}
	return a.data
}

// Copy returns an independent duplicate.
func (a *Array) Copy() *Array {
	if a == nil {
		return nil
	}
	return &Array{shape: a.Shape(), dtype: a.dtype, data: append([]byte(nil), a.data...)}
}

// Equal compares shape, dtype and contents.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.dtype != b.dtype || len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return bytes.Equal(a.data, b.data)
}

// Float64At returns element i converted to float64. Complex values report
// their real part.
func (a *Array) Float64At(i int) (float64, error) {
	if i < 0 || i >= a.Size() {
		return 0, fmt.Errorf("ndarray: index %d out of range", i)
	}
	sz := a.dtype.ItemSize()
	b := a.data[i*sz : (i+1)*sz]
	le := binary.LittleEndian
	switch a.dtype {
	case Bool, Uint8, RGB, RGBA:
		return float64(b[0]), nil
	case Int8:
		return float64(int8(b[0])), nil
	case Int16:
		return float64(int16(le.Uint16(b))), nil
	case Uint16:
		return float64(le.Uint16(b)), nil
	case Int32:
		return float64(int32(le.Uint32(b))), nil
	case Uint32:
		return float64(le.Uint32(b)), nil
	case Int64:
		return float64(int64(le.Uint64(b))), nil
	case Uint64:
		return float64(le.Uint64(b)), nil
	case Float32, Complex64:
		return float64(math.Float32frombits(le.Uint32(b))), nil
	case Float64, Complex128:
		return math.Float64frombits(le.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("ndarray: unknown dtype %q", a.dtype)
	}
}

// SetFloat64At stores v into element i of a float64 array.
func (a *Array) SetFloat64At(i int, v float64) error {
	if a.dtype != Float64 {
		return fmt.Errorf("ndarray: SetFloat64At on %s", a.dtype)
	}
	if i < 0 || i >= a.Size() {
		return fmt.Errorf("ndarray: index %d out of range", i)
	}
	binary.LittleEndian.PutUint64(a.data[i*8:], math.Float64bits(v))
	return nil
}

func (a *Array) String() string {
	if a == nil {
		return "ndarray(nil)"
	}
	return fmt.Sprintf("ndarray(%v, %s)", a.shape, a.dtype)
}
