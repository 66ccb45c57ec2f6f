// internal/pack/file.go
package pack

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"recovery/internal/compress"
	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
)

var (
	ErrReadOnly = errors.New("pack not open for writing")
	ErrClosed   = errors.New("pack closed")
)

var defaultCodec = sync.OnceValues(func() (*compress.Compressor, error) {
	return compress.New(compress.DefaultOptions())
})

// File is a single pack. A File returned by Create accepts AddObject until
// Close; a File returned by Open is read-only. Reads are safe from multiple
// goroutines.
type File struct {
	mu       sync.RWMutex
	path     string
	f        *os.File
	header   Header
	entries  map[digest.Digest]IndexEntry
	order    []digest.Digest
	end      int64
	hasher   *digest.StreamingHasher
	writable bool
	closed   bool
	compress bool
	codec    *compress.Compressor
	now      func() time.Time
}

type FileOption func(*File)

// WithCompressor compresses payloads written by AddObject with c.
func WithCompressor(c *compress.Compressor) FileOption {
	return func(p *File) {
		if c != nil {
			p.codec = c
			p.compress = true
		}
	}
}

func withClock(now func() time.Time) FileOption {
	return func(p *File) { p.now = now }
}

func newFile(path string, opts []FileOption) *File {
	p := &File{
		path:    path,
		entries: make(map[digest.Digest]IndexEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create starts a new pack at path and writes its header. The path must not
// exist.
func Create(path string, opts ...FileOption) (*File, error) {
	p := newFile(path, opts)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, rerrors.IO("create_pack", path, err)
	}

	p.f = f
	p.header = newHeader(uint64(p.now().Unix()))
	p.hasher = digest.NewHasher()
	p.writable = true

	buf, _ := p.header.MarshalBinary()
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(path)
		return nil, rerrors.IO("create_pack", path, err)
	}
	p.end = int64(len(buf))
	return p, nil
}

// Open reads an existing pack and rebuilds its offset table by scanning the
// records. A torn trailing record is ignored.
func Open(path string, opts ...FileOption) (*File, error) {
	p := newFile(path, opts)

	f, err := os.Open(path)
	if err != nil {
		return nil, rerrors.IO("open_pack", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, rerrors.IO("open_pack", path, err)
	}

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		f.Close()
		return nil, rerrors.Integrity("open_pack", path, fmt.Sprintf("short header: %v", err))
	}
	if err := p.header.UnmarshalBinary(buf); err != nil {
		f.Close()
		return nil, rerrors.Integrity("open_pack", path, err.Error())
	}

	p.f = f
	if err := p.scan(info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *File) scan(size int64) error {
	r := bufio.NewReader(io.NewSectionReader(p.f, HeaderSize, size-HeaderSize))
	off := int64(HeaderSize)
	for off < size {
		oh, n, err := readObjectHeader(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return rerrors.Integrity("open_pack", p.path, fmt.Sprintf("record at %d: %v", off, err))
		}
		if oh.Size > uint64(size-off-int64(n)) {
			break
		}
		if _, err := r.Discard(int(oh.Size)); err != nil {
			break
		}
		if _, dup := p.entries[oh.Digest]; !dup {
			p.entries[oh.Digest] = IndexEntry{
				Digest: oh.Digest,
				Offset: uint64(off),
				Size:   uint32(oh.Size),
				Type:   oh.Type,
			}
			p.order = append(p.order, oh.Digest)
		}
		off += int64(n) + int64(oh.Size)
	}
	p.end = off
	return nil
}

// AddObject appends data under d. Adding a digest the pack already holds is
// a no-op.
func (p *File) AddObject(d digest.Digest, data []byte, t ObjectType) error {
	_, err := p.add(d, data, t)
	return err
}

func (p *File) add(d digest.Digest, data []byte, t ObjectType) (IndexEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return IndexEntry{}, ErrClosed
	}
	if !p.writable {
		return IndexEntry{}, ErrReadOnly
	}
	if !t.Valid() {
		return IndexEntry{}, ErrInvalidObjectType
	}
	if e, ok := p.entries[d]; ok {
		return e, nil
	}

	payload, compressed := data, false
	if p.compress {
		payload, compressed = p.codec.Compress(data)
	}
	if len(payload) > math.MaxUint32 {
		return IndexEntry{}, rerrors.Capacity("add_object", "object exceeds 4 GiB")
	}

	oh := ObjectHeader{Digest: d, Size: uint64(len(payload)), Type: t, Compressed: compressed}
	rec := oh.appendTo(make([]byte, 0, digest.Size+MaxVarintLen+2+len(payload)))
	rec = append(rec, payload...)

	off, err := p.f.Seek(0, io.SeekEnd)
	if err != nil {
		return IndexEntry{}, rerrors.IO("add_object", p.path, err)
	}
	if _, err := p.f.Write(rec); err != nil {
		// drop the partial record so the next append starts clean
		_ = p.f.Truncate(off)
		return IndexEntry{}, rerrors.IO("add_object", p.path, err)
	}
	p.hasher.Update(rec)

	entry := IndexEntry{Digest: d, Offset: uint64(off), Size: uint32(len(payload)), Type: t}
	p.entries[d] = entry
	p.order = append(p.order, d)
	p.end = off + int64(len(rec))

	p.header.ObjectCount++
	p.header.TotalSize += uint64(len(data))
	p.header.ModifiedAt = uint64(p.now().Unix())
	return entry, nil
}

// GetObject returns the payload stored under d. ok is false when this pack
// does not hold d.
func (p *File) GetObject(d digest.Digest) ([]byte, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, false, ErrClosed
	}
	e, ok := p.entries[d]
	if !ok {
		return nil, false, nil
	}
	data, err := p.readAt(e)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (p *File) readAt(e IndexEntry) ([]byte, error) {
	r := bufio.NewReader(io.NewSectionReader(p.f, int64(e.Offset), p.end-int64(e.Offset)))
	oh, _, err := readObjectHeader(r)
	if err != nil {
		return nil, rerrors.Integrity("get_object", p.path, fmt.Sprintf("record at %d: %v", e.Offset, err))
	}
	if oh.Digest != e.Digest {
		return nil, rerrors.Integrity("get_object", p.path,
			fmt.Sprintf("record at %d holds %s, want %s", e.Offset, oh.Digest.Short(), e.Digest.Short()))
	}

	payload := make([]byte, oh.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, rerrors.IO("get_object", p.path, err)
	}
	if !oh.Compressed {
		return payload, nil
	}

	codec := p.codec
	if codec == nil {
		if codec, err = defaultCodec(); err != nil {
			return nil, err
		}
	}
	data, err := codec.Decompress(payload)
	if err != nil {
		return nil, rerrors.Integrity("get_object", p.path, err.Error())
	}
	return data, nil
}

// Close seals a writable pack: the header is rewritten at offset 0 with the
// final counts and record checksum, then synced. Closing twice is a no-op.
func (p *File) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.writable {
		p.header.Checksum = p.hasher.Finalize()
		buf, _ := p.header.MarshalBinary()
		if _, err := p.f.WriteAt(buf, 0); err != nil {
			p.f.Close()
			return rerrors.IO("close_pack", p.path, err)
		}
		if err := p.f.Sync(); err != nil {
			p.f.Close()
			return rerrors.IO("close_pack", p.path, err)
		}
	}
	if err := p.f.Close(); err != nil {
		return rerrors.IO("close_pack", p.path, err)
	}
	return nil
}

// Sync flushes records written so far to stable storage. The header is only
// rewritten by Close.
func (p *File) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if !p.writable {
		return nil
	}
	if err := p.f.Sync(); err != nil {
		return rerrors.IO("sync_pack", p.path, err)
	}
	return nil
}

// VerifyChecksum rehashes the record area of a sealed pack and compares it
// with the header checksum.
func (p *File) VerifyChecksum() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if p.writable {
		return fmt.Errorf("verifying %s: pack not sealed", p.path)
	}
	got, err := digest.FromReader(io.NewSectionReader(p.f, HeaderSize, p.end-HeaderSize))
	if err != nil {
		return rerrors.IO("verify_pack", p.path, err)
	}
	if got != p.header.Checksum {
		return rerrors.Integrity("verify_pack", p.path,
			fmt.Sprintf("checksum %s, header says %s", got.Short(), p.header.Checksum.Short()))
	}
	return nil
}

func (p *File) Header() Header {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header
}

func (p *File) Path() string {
	return p.path
}

// Len is the number of distinct objects in the pack.
func (p *File) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Size is the byte length of the pack on disk.
func (p *File) Size() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.end
}

func (p *File) Writable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writable && !p.closed
}

func (p *File) Has(d digest.Digest) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[d]
	return ok
}

// Objects lists digests in the order they were written.
func (p *File) Objects() []digest.Digest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]digest.Digest, len(p.order))
	copy(out, p.order)
	return out
}

// Entries returns index entries for every object, in write order.
func (p *File) Entries() []IndexEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]IndexEntry, 0, len(p.order))
	for _, d := range p.order {
		out = append(out, p.entries[d])
	}
	return out
}
