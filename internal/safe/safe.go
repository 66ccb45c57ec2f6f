// internal/safe/safe.go
package safe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"recovery/internal/compress"
	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
	"recovery/internal/storage"
)

var ErrContentNotFound = errors.New("content not found")

const metaPrefix = "object"

// Meta describes one loose object.
type Meta struct {
	Digest     digest.Digest `json:"digest"`
	Size       int64         `json:"size"`
	StoredSize int64         `json:"stored_size"`
	RefCount   uint32        `json:"ref_count"`
	Compressed bool          `json:"compressed"`
	CreatedAt  time.Time     `json:"created_at"`
	AccessedAt time.Time     `json:"accessed_at"`
}

// Safe stores loose, reference counted objects under root/ab/cdef...
// with metadata in badger.
type Safe struct {
	root   string
	meta   *storage.Table[Meta]
	cache  *lru.Cache[digest.Digest, []byte]
	codec  *compress.Compressor
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

type Options struct {
	Root      string
	CacheSize int
	// Compressor, when set, compresses objects that shrink.
	Compressor *compress.Compressor
	Logger     *zap.Logger
}

func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}

	cache, err := lru.New[digest.Digest, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Safe{
		root:   opts.Root,
		meta:   storage.NewTable[Meta](db, metaPrefix),
		cache:  cache,
		codec:  opts.Compressor,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Store saves content and returns its digest. Storing content that is
// already present bumps its reference count.
func (s *Safe) Store(content []byte) (digest.Digest, error) {
	d := digest.FromBytes(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMeta(d)
	if err == nil {
		meta.RefCount++
		if err := s.storeMeta(meta); err != nil {
			return d, fmt.Errorf("incrementing ref count: %w", err)
		}
		return d, nil
	}
	if !errors.Is(err, ErrContentNotFound) {
		return d, fmt.Errorf("checking existence: %w", err)
	}

	stored, compressed := content, false
	if s.codec != nil {
		stored, compressed = s.codec.Compress(content)
	}

	path := s.contentPath(d)
	if err := writeFileAtomic(path, stored); err != nil {
		return d, rerrors.IO("store_object", path, err)
	}

	now := s.now()
	meta = Meta{
		Digest:     d,
		Size:       int64(len(content)),
		StoredSize: int64(len(stored)),
		RefCount:   1,
		Compressed: compressed,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if err := s.storeMeta(meta); err != nil {
		os.Remove(path)
		return d, fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(d, content)
	return d, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".obj-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Get returns the content stored under d after checking its digest.
func (s *Safe) Get(d digest.Digest) ([]byte, error) {
	if content, ok := s.cache.Get(d); ok {
		return content, nil
	}

	meta, err := s.getMeta(d)
	if err != nil {
		return nil, fmt.Errorf("getting metadata: %w", err)
	}

	content, err := os.ReadFile(s.contentPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, rerrors.IO("get_object", d.Short(), err)
	}

	if meta.Compressed {
		if s.codec == nil {
			return nil, fmt.Errorf("object %s is compressed but no compressor is configured", d.Short())
		}
		content, err = s.codec.Decompress(content)
		if err != nil {
			return nil, rerrors.Integrity("get_object", d.Short(), err.Error())
		}
	}

	if digest.FromBytes(content) != d {
		return nil, rerrors.Integrity("get_object", d.Short(), "content hash mismatch")
	}

	s.cache.Add(d, content)
	meta.AccessedAt = s.now()
	if err := s.storeMeta(meta); err != nil {
		s.logger.Warn("updating access time", zap.String("digest", d.Short()), zap.Error(err))
	}
	return content, nil
}

// Delete drops one reference and removes the object when none remain.
func (s *Safe) Delete(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMeta(d)
	if err != nil {
		return fmt.Errorf("getting metadata: %w", err)
	}

	meta.RefCount--
	if meta.RefCount == 0 {
		_, err := s.remove(meta)
		return err
	}
	if err := s.storeMeta(meta); err != nil {
		return fmt.Errorf("updating metadata: %w", err)
	}
	return nil
}

// Remove deletes the object regardless of its reference count and returns
// the bytes freed on disk.
func (s *Safe) Remove(d digest.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMeta(d)
	if err != nil {
		return 0, fmt.Errorf("getting metadata: %w", err)
	}
	return s.remove(meta)
}

func (s *Safe) remove(meta Meta) (int64, error) {
	path := s.contentPath(meta.Digest)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return 0, rerrors.IO("remove_object", path, err)
	}
	if err := s.deleteMeta(meta.Digest); err != nil {
		return 0, fmt.Errorf("deleting metadata: %w", err)
	}
	s.cache.Remove(meta.Digest)
	return meta.StoredSize, nil
}

func (s *Safe) Exists(d digest.Digest) (bool, error) {
	if s.cache.Contains(d) {
		return true, nil
	}
	_, err := s.getMeta(d)
	if errors.Is(err, ErrContentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Safe) Stat(d digest.Digest) (Meta, error) {
	return s.getMeta(d)
}

// Verify rereads the object from disk, bypassing the cache.
func (s *Safe) Verify(d digest.Digest) error {
	s.cache.Remove(d)
	_, err := s.Get(d)
	return err
}

// List returns metadata for every stored object.
func (s *Safe) List() ([]Meta, error) {
	var out []Meta
	err := s.meta.Each(func(_ string, meta Meta) error {
		out = append(out, meta)
		return nil
	})
	return out, err
}

func (s *Safe) StoreBatch(contents [][]byte) ([]digest.Digest, error) {
	digests := make([]digest.Digest, len(contents))
	for i, content := range contents {
		d, err := s.Store(content)
		if err != nil {
			for j := 0; j < i; j++ {
				s.Delete(digests[j])
			}
			return nil, fmt.Errorf("storing content %d: %w", i, err)
		}
		digests[i] = d
	}
	return digests, nil
}

func (s *Safe) contentPath(d digest.Digest) string {
	hex := d.String()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

func (s *Safe) storeMeta(meta Meta) error {
	return s.meta.Put(meta.Digest.String(), meta)
}

func (s *Safe) getMeta(d digest.Digest) (Meta, error) {
	meta, ok, err := s.meta.Get(d.String())
	if err != nil {
		return meta, err
	}
	if !ok {
		return meta, ErrContentNotFound
	}
	return meta, nil
}

func (s *Safe) deleteMeta(d digest.Digest) error {
	_, err := s.meta.Delete(d.String())
	return err
}
