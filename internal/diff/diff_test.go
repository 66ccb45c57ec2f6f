package diff

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(n int, edit map[int]string) []byte {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if s, ok := edit[i]; ok {
			b.WriteString(s)
		} else {
			b.WriteString("line ")
			b.WriteByte(byte('a' + i - 1))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func TestDiff(t *testing.T) {
	e := NewEngine(1)

	t.Run("Identical", func(t *testing.T) {
		res, err := e.Diff([]byte("a\nb\n"), []byte("a\nb\n"))
		require.NoError(t, err)
		assert.True(t, res.Identical())
		assert.Zero(t, res.Stats.Changes)
	})

	t.Run("SingleChange", func(t *testing.T) {
		res, err := e.Diff([]byte("a\nb\nc\n"), []byte("a\nB\nc\n"))
		require.NoError(t, err)
		require.Len(t, res.Hunks, 1)

		h := res.Hunks[0]
		assert.Equal(t, 1, h.OldStart)
		assert.Equal(t, 3, h.OldLines)
		assert.Equal(t, 1, h.NewStart)
		assert.Equal(t, 3, h.NewLines)
		assert.Equal(t, 1, res.Stats.Additions)
		assert.Equal(t, 1, res.Stats.Deletions)
		assert.Equal(t, "@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n", res.Format())
	})

	t.Run("SeparateHunks", func(t *testing.T) {
		old := lines(10, nil)
		updated := lines(10, map[int]string{2: "X", 9: "Y"})
		res, err := e.Diff(old, updated)
		require.NoError(t, err)
		require.Len(t, res.Hunks, 2)
		assert.Equal(t, 1, res.Hunks[0].OldStart)
		assert.Equal(t, 8, res.Hunks[1].OldStart)
		assert.Equal(t, 3, res.Hunks[1].OldLines)
	})

	t.Run("MergedHunks", func(t *testing.T) {
		old := lines(10, nil)
		updated := lines(10, map[int]string{3: "X", 5: "Y"})
		res, err := e.Diff(old, updated)
		require.NoError(t, err)
		require.Len(t, res.Hunks, 1)
		assert.Equal(t, 2, res.Hunks[0].OldStart)
		assert.Equal(t, 5, res.Hunks[0].OldLines)
	})

	t.Run("FromEmpty", func(t *testing.T) {
		res, err := e.Diff(nil, []byte("a\nb\n"))
		require.NoError(t, err)
		require.Len(t, res.Hunks, 1)
		assert.Equal(t, "@@ -0,0 +1,2 @@\n+a\n+b\n", res.Format())
	})

	t.Run("ToEmpty", func(t *testing.T) {
		res, err := e.Diff([]byte("a\n"), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Stats.Deletions)
		assert.Equal(t, "@@ -1,1 +0,0 @@\n-a\n", res.Format())
	})

	t.Run("Binary", func(t *testing.T) {
		res, err := e.Diff([]byte{0, 1, 2}, []byte{0, 1, 3})
		require.NoError(t, err)
		assert.True(t, res.Binary)
		assert.False(t, res.Identical())
		assert.Empty(t, res.Hunks)
		assert.Equal(t, "Binary contents differ\n", res.Format())
	})

	t.Run("TooLarge", func(t *testing.T) {
		small := NewEngine(3).WithMaxCells(10)
		_, err := small.Diff(lines(5, nil), lines(5, map[int]string{1: "z"}))
		assert.True(t, errors.Is(err, ErrTooLarge))
	})
}
