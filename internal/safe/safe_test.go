package safe

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recovery/internal/compress"
	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
)

func setupTestDB(t *testing.T) (*badger.DB, func()) {
	dir, err := os.MkdirTemp("", "badger-test")
	require.NoError(t, err)

	opts := badger.DefaultOptions(dir).WithInMemory(true)
	opts.Logger = nil
	opts.Dir = ""
	opts.ValueDir = ""

	db, err := badger.Open(opts)
	require.NoError(t, err)

	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func setupSafe(t *testing.T, codec *compress.Compressor) (*Safe, string) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	root := filepath.Join(t.TempDir(), "objects")
	s, err := New(db, Options{Root: root, CacheSize: 8, Compressor: codec})
	require.NoError(t, err)
	return s, root
}

func TestSafe(t *testing.T) {
	s, root := setupSafe(t, nil)
	content := []byte("hello safe")
	want := digest.FromBytes(content)

	t.Run("Store", func(t *testing.T) {
		d, err := s.Store(content)
		require.NoError(t, err)
		assert.Equal(t, want, d)

		hex := d.String()
		assert.FileExists(t, filepath.Join(root, hex[:2], hex[2:]))

		meta, err := s.Stat(d)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), meta.RefCount)
		assert.Equal(t, int64(len(content)), meta.Size)
	})

	t.Run("Dedup", func(t *testing.T) {
		_, err := s.Store(content)
		require.NoError(t, err)
		meta, err := s.Stat(want)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), meta.RefCount)
	})

	t.Run("Get", func(t *testing.T) {
		got, err := s.Get(want)
		require.NoError(t, err)
		assert.Equal(t, content, got)
		require.NoError(t, s.Verify(want))
	})

	t.Run("List", func(t *testing.T) {
		_, err := s.Store([]byte("second"))
		require.NoError(t, err)
		metas, err := s.List()
		require.NoError(t, err)
		assert.Len(t, metas, 2)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(want))
		ok, err := s.Exists(want)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(want))
		ok, err = s.Exists(want)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(want)
		assert.ErrorIs(t, err, ErrContentNotFound)
	})

	t.Run("Remove", func(t *testing.T) {
		d, err := s.Store([]byte("pinned"))
		require.NoError(t, err)
		_, err = s.Store([]byte("pinned"))
		require.NoError(t, err)

		freed, err := s.Remove(d)
		require.NoError(t, err)
		assert.Equal(t, int64(len("pinned")), freed)
		ok, _ := s.Exists(d)
		assert.False(t, ok)
	})
}

func TestSafeCompression(t *testing.T) {
	codec, err := compress.New(compress.DefaultOptions())
	require.NoError(t, err)
	s, _ := setupSafe(t, codec)

	content := bytes.Repeat([]byte("compressible "), 200)
	d, err := s.Store(content)
	require.NoError(t, err)

	meta, err := s.Stat(d)
	require.NoError(t, err)
	assert.True(t, meta.Compressed)
	assert.Less(t, meta.StoredSize, meta.Size)

	require.NoError(t, s.Verify(d))
	got, err := s.Get(d)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSafeCorruption(t *testing.T) {
	s, root := setupSafe(t, nil)
	d, err := s.Store([]byte("original"))
	require.NoError(t, err)

	hex := d.String()
	require.NoError(t, os.WriteFile(filepath.Join(root, hex[:2], hex[2:]), []byte("tampered"), 0644))

	err = s.Verify(d)
	assert.True(t, rerrors.Is(err, rerrors.ErrorTypeIntegrity))
}

func TestStoreBatch(t *testing.T) {
	s, _ := setupSafe(t, nil)
	digests, err := s.StoreBatch([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	require.Len(t, digests, 3)
	assert.Equal(t, digest.FromBytes([]byte("b")), digests[1])
}
