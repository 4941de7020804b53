package ndarray

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesShape(t *testing.T) {
	_, err := New(nil, Float32)
	assert.True(t, errors.Is(err, ErrShape))
	_, err = New([]int{2, -1}, Float32)
	assert.True(t, errors.Is(err, ErrShape))
	_, err = New([]int{2}, DType("float16"))
	assert.Error(t, err)

	scalar, err := New([]int{}, Int16)
	require.NoError(t, err)
	assert.True(t, scalar.HasShape())
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.Size())
}

func TestColourDTypesNeedChannelAxis(t *testing.T) {
	_, err := New([]int{4, 4}, RGB)
	assert.True(t, errors.Is(err, ErrShape))

	a, err := New([]int{4, 4, 4}, RGBA)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, DimensionalShape(a.Shape(), a.DType()))
	assert.Equal(t, []int{4, 4, 4}, DimensionalShape(a.Shape(), Uint8))
	assert.Nil(t, DimensionalShape(nil, RGB))
}

func TestFromBytesChecksLength(t *testing.T) {
	_, err := FromBytes([]int{3}, Uint16, []byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrShape))

	raw := []byte{1, 0, 2, 0, 3, 0}
	a, err := FromBytes([]int{3}, Uint16, raw)
	require.NoError(t, err)
	raw[0] = 9
	v, err := a.Float64At(0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "input bytes are copied")
}

func TestFloat64Access(t *testing.T) {
	a, err := FromFloat64([]int{2, 2}, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, a.SetFloat64At(3, 7.5))
	v, err := a.Float64At(3)
	require.NoError(t, err)
	assert.Equal(t, 7.5, v)

	_, err = a.Float64At(4)
	assert.Error(t, err)
	_, err = FromFloat64([]int{3}, []float64{1})
	assert.True(t, errors.Is(err, ErrShape))

	ints, err := New([]int{1}, Int32)
	require.NoError(t, err)
	assert.Error(t, ints.SetFloat64At(0, 1))
}

func TestCopyAndEqual(t *testing.T) {
	a, err := FromFloat64([]int{3}, []float64{1, 2, 3})
	require.NoError(t, err)
	b := a.Copy()
	assert.True(t, a.Equal(b))
	require.NoError(t, b.SetFloat64At(0, 10))
	assert.False(t, a.Equal(b))

	var nilArray *Array
	assert.True(t, nilArray.Equal(nil))
	assert.False(t, a.Equal(nil))
	assert.Nil(t, nilArray.Copy())
	assert.Equal(t, "ndarray(nil)", nilArray.String())
}

func TestBinaryRoundTrip(t *testing.T) {
	a, err := FromBytes([]int{2, 3}, RGB, []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	encoded, err := a.MarshalBinary()
	require.NoError(t, err)

	decoded, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.True(t, a.Equal(decoded))
	assert.Equal(t, RGB, decoded.DType())
}

func TestUnmarshalRejectsCorruptInput(t *testing.T) {
	var a Array
	assert.Error(t, a.UnmarshalBinary([]byte("nope")))

	good, err := FromFloat64([]int{2}, []float64{1, 2})
	require.NoError(t, err)
	encoded, err := good.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, errors.Is(a.UnmarshalBinary(encoded[:len(encoded)-1]), ErrShape))

	_, err = (&Array{}).MarshalBinary()
	assert.True(t, errors.Is(err, ErrShape))
}

func TestParseDType(t *testing.T) {
	d, err := ParseDType(" Float32 ")
	require.NoError(t, err)
	assert.Equal(t, Float32, d)
	assert.Equal(t, 4, d.ItemSize())
	_, err = ParseDType("float16")
	assert.Error(t, err)
}
