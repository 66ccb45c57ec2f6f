package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, l.Logger)

	_, err = NewLogger("loud")
	assert.Error(t, err)

	c, err := NewConsole("warn")
	require.NoError(t, err)
	assert.False(t, c.Core().Enabled(zap.InfoLevel))
}

func TestWithSession(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := &Logger{zap.New(core)}

	ctx := ContextWithSession(context.Background(), "s1")
	l.WithSession(ctx).Info("restored")
	l.WithSession(context.Background()).Info("no session")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "s1", entries[0].ContextMap()["session_id"])
	assert.NotContains(t, entries[1].ContextMap(), "session_id")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
