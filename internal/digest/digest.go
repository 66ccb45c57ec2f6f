// internal/digest/digest.go
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Size is the width of a Digest in bytes.
const Size = sha256.Size

var ErrInvalidDigest = errors.New("invalid digest")

// Digest identifies byte content. It is the key for file states, pack
// objects and conflict bases.
type Digest [Size]byte

// Empty is the digest of zero bytes of content.
var Empty = FromBytes(nil)

// FromBytes hashes content.
func FromBytes(content []byte) Digest {
	return Digest(sha256.Sum256(content))
}

// FromReader hashes everything readable from r without buffering it.
func FromReader(r io.Reader) (Digest, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("hashing content: %w", err)
	}
	return h.Finalize(), nil
}

// FromRaw copies a 32-byte record read from a trusted on-disk location.
func FromRaw(raw []byte) (Digest, error) {
	var d Digest
	if len(raw) != Size {
		return d, fmt.Errorf("%w: got %d bytes", ErrInvalidDigest, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return FromRaw(raw)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for logs and CLI output.
func (d Digest) Short() string {
	return d.String()[:12]
}

func (d Digest) Bytes() []byte {
	return d[:]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Compare orders digests bytewise.
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

func (d Digest) Less(other Digest) bool {
	return d.Compare(other) < 0
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// StreamingHasher computes a Digest incrementally so large files are never
// buffered twice.
type StreamingHasher struct {
	h hash.Hash
}

func NewHasher() *StreamingHasher {
	return &StreamingHasher{h: sha256.New()}
}

// Update feeds more content into the hasher.
func (s *StreamingHasher) Update(p []byte) {
	s.h.Write(p)
}

// Write implements io.Writer; it never fails.
func (s *StreamingHasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Finalize returns the digest of everything written so far.
func (s *StreamingHasher) Finalize() Digest {
	var d Digest
	copy(d[:], s.h.Sum(nil))
	return d
}
