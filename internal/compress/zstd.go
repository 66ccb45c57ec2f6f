// internal/compress/zstd.go
package compress

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var magic = []byte{0x28, 0xB5, 0x2F, 0xFD}

type Options struct {
	// Payloads smaller than MinSize are stored as-is.
	MinSize int
	// zstd level, 1 (fastest) to 4 (best).
	Level int
}

func DefaultOptions() Options {
	return Options{
		MinSize: 64,
		Level:   2,
	}
}

// Compressor pools zstd encoders and decoders. Safe for concurrent use.
type Compressor struct {
	opts     Options
	encoders sync.Pool
	decoders sync.Pool
}

func New(opts Options) (*Compressor, error) {
	if opts.Level < 1 || opts.Level > 4 {
		return nil, fmt.Errorf("invalid compression level %d", opts.Level)
	}
	level := zstd.EncoderLevelFromZstd(opts.Level)

	// fail early on bad options instead of inside the pool
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	c := &Compressor{opts: opts}
	c.encoders.New = func() any {
		e, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
		return e
	}
	c.decoders.New = func() any {
		d, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return d
	}
	c.encoders.Put(enc)
	c.decoders.Put(dec)
	return c, nil
}

// Compress returns the compressed form of data and true, or data unchanged
// and false when compression would not shrink it.
func (c *Compressor) Compress(data []byte) ([]byte, bool) {
	if len(data) < c.opts.MinSize {
		return data, false
	}

	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	out := enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(out) >= len(data) {
		return data, false
	}
	return out, true
}

func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}

// IsCompressed reports whether data starts with a zstd frame magic.
func IsCompressed(data []byte) bool {
	return len(data) > len(magic) && bytes.Equal(data[:len(magic)], magic)
}
