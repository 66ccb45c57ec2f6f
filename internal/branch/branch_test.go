package branch

import (
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recovery/internal/concurrency"
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

func testBranch(name, path, content string, at time.Time) Branch {
	return FromConflict(name, concurrency.ConflictInfo{
		ID:             "conflict-" + name,
		Path:           path,
		Class:          concurrency.AgentVsAgent,
		BaseDigest:     digest.FromBytes([]byte("base")),
		ProposedDigest: digest.FromBytes([]byte(content)),
	}, at)
}

func TestStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	s := NewStore(db)
	now := time.Unix(1700000000, 0)

	t.Run("Create", func(t *testing.T) {
		require.NoError(t, s.Create(testBranch("b2", "b.go", "two", now.Add(time.Second))))
		require.NoError(t, s.Create(testBranch("b1", "a.go", "one", now)))

		err := s.Create(testBranch("b1", "a.go", "other", now))
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeConflict))
	})

	t.Run("Validate", func(t *testing.T) {
		err := s.Create(Branch{Name: "x", Path: "a.go"})
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeValidation))
	})

	t.Run("Get", func(t *testing.T) {
		b, err := s.Get("b1")
		require.NoError(t, err)
		assert.Equal(t, "a.go", b.Path)
		assert.Equal(t, "conflict-b1", b.ConflictID)
		assert.Equal(t, digest.FromBytes([]byte("one")), b.Digest)

		_, err = s.Get("missing")
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeNotFound))
	})

	t.Run("List", func(t *testing.T) {
		branches, err := s.List()
		require.NoError(t, err)
		require.Len(t, branches, 2)
		assert.Equal(t, "b1", branches[0].Name)

		byPath, err := s.FindByPath("b.go")
		require.NoError(t, err)
		require.Len(t, byPath, 1)
		assert.Equal(t, "b2", byPath[0].Name)
	})

	t.Run("Digests", func(t *testing.T) {
		digests, err := s.Digests()
		require.NoError(t, err)
		assert.Len(t, digests, 4)
		assert.Contains(t, digests, digest.FromBytes([]byte("two")))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete("b2"))
		assert.True(t, rerrors.Is(s.Delete("b2"), rerrors.ErrorTypeNotFound))
	})
}
