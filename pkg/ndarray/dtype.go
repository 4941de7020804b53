package ndarray

import (
	"fmt"
	"strings"
)

// DType names the element type of an Array.
type DType string

const (
	Bool       DType = "bool"
	Int8       DType = "int8"
	Uint8      DType = "uint8"
	Int16      DType = "int16"
	Uint16     DType = "uint16"
	Int32      DType = "int32"
	Uint32     DType = "uint32"
	Int64      DType = "int64"
	Uint64     DType = "uint64"
	Float32    DType = "float32"
	Float64    DType = "float64"
	Complex64  DType = "complex64"
	Complex128 DType = "complex128"
	// RGB and RGBA store uint8 channels along a trailing axis of length 3 or 4.
	RGB  DType = "rgb"
	RGBA DType = "rgba"
)

var itemSizes = map[DType]int{
	Bool: 1, Int8: 1, Uint8: 1,
	Int16: 2, Uint16: 2,
	Int32: 4, Uint32: 4, Float32: 4,
	Int64: 8, Uint64: 8, Float64: 8, Complex64: 8,
	Complex128: 16,
	RGB:        1, RGBA: 1,
}

// ItemSize returns the number of bytes per stored element, or 0 for an
// unknown dtype.
func (d DType) ItemSize() int { return itemSizes[d] }

// Valid reports whether d names a supported dtype.
func (d DType) Valid() bool { _, ok := itemSizes[d]; return ok }

// IsColor reports whether the trailing axis holds colour channels.
func (d DType) IsColor() bool { return d == RGB || d == RGBA }

// Channels returns the trailing axis length for colour dtypes, 0 otherwise.
func (d DType) Channels() int {
	switch d {
	case RGB:
		return 3
	case RGBA:
		return 4
	default:
		return 0
	}
}

// ParseDType converts a stored dtype name back into a DType.
func ParseDType(s string) (DType, error) {
	d := DType(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("ndarray: unknown dtype %q", s)
	}
	return d, nil
}

// DimensionalShape returns the shape with the colour axis removed for colour
// dtypes. The result is what calibrations are counted against.
func DimensionalShape(shape []int, dtype DType) []int {
	if shape == nil {
		return nil
	}
	if dtype.IsColor() && len(shape) > 0 {
		return append([]int(nil), shape[:len(shape)-1]...)
	}
	return append([]int{}, shape...)
}
