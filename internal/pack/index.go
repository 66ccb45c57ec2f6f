// internal/pack/index.go
package pack

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
)

const (
	fanOutSize     = 256
	indexEntrySize = digest.Size + 8 + 4 + 1
)

type IndexEntry struct {
	Digest digest.Digest
	Offset uint64
	// Size is the stored payload length.
	Size uint32
	Type ObjectType
}

// Index maps digests to record offsets in one pack. Entries are kept sorted
// by digest; fanOut[b] counts entries whose first byte is <= b.
type Index struct {
	path    string
	entries []IndexEntry
	fanOut  [fanOutSize]uint32
}

func NewIndex(path string) *Index {
	return &Index{path: path}
}

// LoadIndex reads an index written by Save.
func LoadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rerrors.IO("load_index", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, rerrors.IO("load_index", path, err)
	}

	r := bufio.NewReader(f)
	idx := &Index{path: path}

	var fan [fanOutSize * 4]byte
	if _, err := io.ReadFull(r, fan[:]); err != nil {
		return nil, rerrors.Integrity("load_index", path, fmt.Sprintf("reading fan-out: %v", err))
	}
	var stored [fanOutSize]uint32
	for i := range stored {
		stored[i] = binary.BigEndian.Uint32(fan[i*4:])
	}

	count := stored[fanOutSize-1]
	if want := int64(fanOutSize*4) + int64(count)*indexEntrySize; info.Size() != want {
		return nil, rerrors.Integrity("load_index", path,
			fmt.Sprintf("fan-out claims %d entries (%d bytes), file has %d bytes", count, want, info.Size()))
	}
	idx.entries = make([]IndexEntry, 0, count)
	var buf [indexEntrySize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, rerrors.Integrity("load_index", path, fmt.Sprintf("entry %d: %v", i, err))
		}
		t, err := parseObjectType(buf[indexEntrySize-1])
		if err != nil {
			return nil, rerrors.Integrity("load_index", path, fmt.Sprintf("entry %d: %v", i, err))
		}
		var e IndexEntry
		copy(e.Digest[:], buf[:digest.Size])
		e.Offset = binary.BigEndian.Uint64(buf[digest.Size:])
		e.Size = binary.BigEndian.Uint32(buf[digest.Size+8:])
		e.Type = t
		idx.entries = append(idx.entries, e)
	}

	// tolerate unsorted files from older writers
	sort.SliceStable(idx.entries, func(a, b int) bool {
		return idx.entries[a].Digest.Less(idx.entries[b].Digest)
	})
	idx.rebuildFanOut()
	if idx.fanOut != stored {
		return nil, rerrors.Integrity("load_index", path, "fan-out table does not match entries")
	}
	return idx, nil
}

func (idx *Index) Path() string {
	return idx.path
}

// Save writes the index next to its final path and renames it into place.
func (idx *Index) Save() error {
	dir := filepath.Dir(idx.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(idx.path)+".tmp-*")
	if err != nil {
		return rerrors.IO("save_index", idx.path, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	var b [indexEntrySize]byte
	for _, n := range idx.fanOut {
		binary.BigEndian.PutUint32(b[:4], n)
		w.Write(b[:4])
	}
	for _, e := range idx.entries {
		copy(b[:], e.Digest[:])
		binary.BigEndian.PutUint64(b[digest.Size:], e.Offset)
		binary.BigEndian.PutUint32(b[digest.Size+8:], e.Size)
		b[indexEntrySize-1] = byte(e.Type)
		w.Write(b[:])
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return rerrors.IO("save_index", idx.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return rerrors.IO("save_index", idx.path, err)
	}
	if err := tmp.Close(); err != nil {
		return rerrors.IO("save_index", idx.path, err)
	}
	if err := os.Rename(tmp.Name(), idx.path); err != nil {
		return rerrors.IO("save_index", idx.path, err)
	}
	return nil
}

// bucket returns the [lo, hi) range of entries starting with b.
func (idx *Index) bucket(b byte) (int, int) {
	lo := uint32(0)
	if b > 0 {
		lo = idx.fanOut[b-1]
	}
	return int(lo), int(idx.fanOut[b])
}

// FindObject returns the first entry added for d.
func (idx *Index) FindObject(d digest.Digest) (IndexEntry, bool) {
	lo, hi := idx.bucket(d[0])
	span := idx.entries[lo:hi]
	i := sort.Search(len(span), func(i int) bool {
		return span[i].Digest.Compare(d) >= 0
	})
	if i < len(span) && span[i].Digest == d {
		return span[i], true
	}
	return IndexEntry{}, false
}

// AddEntry inserts e after any existing entries with the same digest.
func (idx *Index) AddEntry(e IndexEntry) {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Digest.Compare(e.Digest) > 0
	})
	idx.entries = append(idx.entries, IndexEntry{})
	copy(idx.entries[i+1:], idx.entries[i:])
	idx.entries[i] = e

	for b := int(e.Digest[0]); b < fanOutSize; b++ {
		idx.fanOut[b]++
	}
}

func (idx *Index) rebuildFanOut() {
	idx.fanOut = [fanOutSize]uint32{}
	for _, e := range idx.entries {
		idx.fanOut[e.Digest[0]]++
	}
	for i := 1; i < fanOutSize; i++ {
		idx.fanOut[i] += idx.fanOut[i-1]
	}
}

// Entries returns the entries in digest order.
func (idx *Index) Entries() []IndexEntry {
	out := make([]IndexEntry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

func (idx *Index) FanOut() [fanOutSize]uint32 {
	return idx.fanOut
}

func (idx *Index) Len() int {
	return len(idx.entries)
}

// TotalSize sums the stored payload sizes.
func (idx *Index) TotalSize() uint64 {
	var n uint64
	for _, e := range idx.entries {
		n += uint64(e.Size)
	}
	return n
}
