package restore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgress(t *testing.T) {
	start := time.Unix(1700000000, 0)
	p := NewProgress(100, 1<<20, start)
	assert.Equal(t, 0.0, p.Percentage())
	_, ok := p.ETA()
	assert.False(t, ok)

	p.RestoredFiles = 50
	p.FailedFiles = 5
	p.Updated = start.Add(10 * time.Second)
	assert.Equal(t, 55.0, p.Percentage())
	assert.Equal(t, 5.0, p.Rate())

	eta, ok := p.ETA()
	assert.True(t, ok)
	assert.Equal(t, 9*time.Second, eta)

	assert.Equal(t, 100.0, NewProgress(0, 0, start).Percentage())
}

func TestFileMode(t *testing.T) {
	bits, ok := Regular.Bits()
	assert.True(t, ok)
	assert.Equal(t, 0644, int(bits))

	bits, ok = Executable.Bits()
	assert.True(t, ok)
	assert.Equal(t, 0755, int(bits))

	_, ok = Symlink.Bits()
	assert.False(t, ok)
}
