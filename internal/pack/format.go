// internal/pack/format.go
package pack

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"recovery/internal/digest"
)

const (
	Magic      = "PACK"
	Version    = 1
	HeaderSize = 4 + 4 + 4 + 8 + digest.Size + 8 + 8
)

var (
	ErrInvalidMagic       = errors.New("invalid pack magic")
	ErrUnsupportedVersion = errors.New("unsupported pack version")
	ErrInvalidObjectType  = errors.New("invalid object type")
)

type ObjectType uint8

const (
	Blob ObjectType = iota
	Tree
	Commit
	Chunk
)

func (t ObjectType) String() string {
	switch t {
	case Blob:
		return "blob"
	case Tree:
		return "tree"
	case Commit:
		return "commit"
	case Chunk:
		return "chunk"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func (t ObjectType) Valid() bool {
	return t <= Chunk
}

func parseObjectType(b byte) (ObjectType, error) {
	t := ObjectType(b)
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidObjectType, b)
	}
	return t, nil
}

// Header is the fixed 68 byte prefix of a pack file. All integers are
// big-endian. Timestamps are unix seconds.
type Header struct {
	Magic       [4]byte
	Version     uint32
	ObjectCount uint32
	// TotalSize sums the uncompressed payload bytes.
	TotalSize  uint64
	Checksum   digest.Digest
	CreatedAt  uint64
	ModifiedAt uint64
}

func newHeader(now uint64) Header {
	h := Header{Version: Version, CreatedAt: now, ModifiedAt: now}
	copy(h.Magic[:], Magic)
	return h
}

func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, h.Magic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = binary.BigEndian.AppendUint32(buf, h.ObjectCount)
	buf = binary.BigEndian.AppendUint64(buf, h.TotalSize)
	buf = append(buf, h.Checksum[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.CreatedAt)
	buf = binary.BigEndian.AppendUint64(buf, h.ModifiedAt)
	return buf, nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("pack header: %w", io.ErrUnexpectedEOF)
	}
	copy(h.Magic[:], b[0:4])
	if string(h.Magic[:]) != Magic {
		return ErrInvalidMagic
	}
	h.Version = binary.BigEndian.Uint32(b[4:8])
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	h.ObjectCount = binary.BigEndian.Uint32(b[8:12])
	h.TotalSize = binary.BigEndian.Uint64(b[12:20])
	copy(h.Checksum[:], b[20:52])
	h.CreatedAt = binary.BigEndian.Uint64(b[52:60])
	h.ModifiedAt = binary.BigEndian.Uint64(b[60:68])
	return nil
}

// ObjectHeader precedes every payload in a pack. Size is the number of
// payload bytes stored on disk, so a reader can skip a record without
// decoding it.
type ObjectHeader struct {
	Digest     digest.Digest
	Size       uint64
	Type       ObjectType
	Compressed bool
}

func (h ObjectHeader) appendTo(dst []byte) []byte {
	dst = append(dst, h.Digest[:]...)
	dst = AppendUvarint(dst, h.Size)
	dst = append(dst, byte(h.Type))
	if h.Compressed {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// readObjectHeader returns the header and its encoded length.
func readObjectHeader(r *bufio.Reader) (ObjectHeader, int, error) {
	var h ObjectHeader
	if _, err := io.ReadFull(r, h.Digest[:]); err != nil {
		return h, 0, err
	}
	n := digest.Size

	size, err := ReadUvarint(r)
	if err != nil {
		return h, 0, unexpected(err)
	}
	h.Size = size
	n += len(AppendUvarint(nil, size))

	var tail [2]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return h, 0, unexpected(err)
	}
	if h.Type, err = parseObjectType(tail[0]); err != nil {
		return h, 0, err
	}
	h.Compressed = tail[1] != 0
	return h, n + 2, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
