package ndarray

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var magic = [4]byte{'N', 'D', 'A', '1'}

// ContentType is the media type used when arrays are stored as blobs.
const ContentType = "application/x-imagecore-ndarray"

// MarshalBinary encodes the array as: magic, dtype length and name, rank,
// each dimension as int64, then the raw element bytes.
func (a *Array) MarshalBinary() ([]byte, error) {
	if !a.HasShape() {
		return nil, fmt.Errorf("%w: array has no shape", ErrShape)
	}
	var buf bytes.Buffer
	buf.Grow(16 + len(a.dtype) + 8*len(a.shape) + len(a.data))
	buf.Write(magic[:])
	buf.WriteByte(byte(len(a.dtype)))
	buf.WriteString(string(a.dtype))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(a.shape)))
	for _, d := range a.shape {
		_ = binary.Write(&buf, binary.LittleEndian, int64(d))
	}
	buf.Write(a.data)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes bytes produced by MarshalBinary.
func (a *Array) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil || m != magic {
		return errors.New("ndarray: bad magic")
	}
	n, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("ndarray: read dtype: %w", err)
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return fmt.Errorf("ndarray: read dtype: %w", err)
	}
	dtype, err := ParseDType(string(name))
	if err != nil {
		return err
	}
	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return fmt.Errorf("ndarray: read rank: %w", err)
	}
	if int(rank) > r.Len()/8 {
		return fmt.Errorf("%w: rank %d exceeds payload", ErrShape, rank)
	}
	shape := make([]int, rank)
	for i := range shape {
		var d int64
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return fmt.Errorf("ndarray: read dim: %w", err)
		}
		shape[i] = int(d)
	}
	data := make([]byte, r.Len())
	_, _ = io.ReadFull(r, data)
	decoded, err := FromBytes(shape, dtype, data)
	if err != nil {
		return err
	}
	*a = *decoded
	return nil
}

// Decode reads a whole encoded array from r.
func Decode(r io.Reader) (*Array, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	a := &Array{}
	if err := a.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return a, nil
}
