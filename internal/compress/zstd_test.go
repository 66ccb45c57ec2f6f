package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor(t *testing.T) {
	c, err := New(DefaultOptions())
	require.NoError(t, err)

	t.Run("RoundTrip", func(t *testing.T) {
		data := bytes.Repeat([]byte("recovery "), 512)
		out, ok := c.Compress(data)
		require.True(t, ok)
		assert.Less(t, len(out), len(data))
		assert.True(t, IsCompressed(out))

		back, err := c.Decompress(out)
		require.NoError(t, err)
		assert.Equal(t, data, back)
	})

	t.Run("SmallPassthrough", func(t *testing.T) {
		data := []byte("tiny")
		out, ok := c.Compress(data)
		assert.False(t, ok)
		assert.Equal(t, data, out)
	})

	t.Run("CorruptInput", func(t *testing.T) {
		_, err := c.Decompress([]byte{0x28, 0xB5, 0x2F, 0xFD, 0x00, 0x01})
		assert.Error(t, err)
	})
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Options{Level: 9})
	assert.Error(t, err)
}
