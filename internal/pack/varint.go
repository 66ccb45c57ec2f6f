// internal/pack/varint.go
package pack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxVarintLen is the longest encoding of a uint64.
const MaxVarintLen = binary.MaxVarintLen64

var ErrVarintOverflow = errors.New("varint overflows uint64")

// AppendUvarint appends v as LEB128: 7 bits per byte, low group first, high
// bit set on every byte except the last.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// ReadUvarint decodes one LEB128 value. A stream that ends mid-value yields
// io.ErrUnexpectedEOF.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	var (
		v     uint64
		shift uint
	)
	for i := 0; i < MaxVarintLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if b < 0x80 {
			if i == MaxVarintLen-1 && b > 1 {
				return 0, ErrVarintOverflow
			}
			return v | uint64(b)<<shift, nil
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, fmt.Errorf("%w: more than %d bytes", ErrVarintOverflow, MaxVarintLen)
}
