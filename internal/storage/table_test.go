package storage

import (
	"errors"
	"os"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

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

func TestTable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	table := NewTable[record](db, "rec")
	other := NewTable[record](db, "other")

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, table.Put("a/b.txt", record{Name: "b", Size: 3}))

		got, ok, err := table.Get("a/b.txt")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, record{Name: "b", Size: 3}, got)

		_, ok, err = other.Get("a/b.txt")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("EmptyID", func(t *testing.T) {
		assert.Error(t, table.Put("", record{}))
	})

	t.Run("Each", func(t *testing.T) {
		require.NoError(t, table.Put("c", record{Name: "c"}))
		require.NoError(t, other.Put("z", record{Name: "z"}))

		var ids []string
		require.NoError(t, table.Each(func(id string, r record) error {
			ids = append(ids, id)
			return nil
		}))
		assert.Equal(t, []string{"a/b.txt", "c"}, ids)

		stop := errors.New("stop")
		n := 0
		err := table.Each(func(string, record) error {
			n++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, n)
	})

	t.Run("Scan", func(t *testing.T) {
		require.NoError(t, table.Put("a/c.txt", record{Name: "c2"}))

		var names []string
		require.NoError(t, table.Scan("a/", func(id string, r record) error {
			names = append(names, r.Name)
			return nil
		}))
		assert.Equal(t, []string{"b", "c2"}, names)
		_, err := table.Delete("a/c.txt")
		require.NoError(t, err)
	})

	t.Run("Delete", func(t *testing.T) {
		existed, err := table.Delete("c")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = table.Delete("c")
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("DeleteAll", func(t *testing.T) {
		require.NoError(t, table.DeleteAll([]string{"a/b.txt", "missing"}))
		_, ok, err := table.Get("a/b.txt")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
