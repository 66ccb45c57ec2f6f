package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "capacity",
			err:  Capacity("record_change", "too many pending changes"),
			want: "record_change: too many pending changes",
		},
		{
			name: "integrity with path",
			err:  Integrity("restore", "a.txt", "digest mismatch"),
			want: "restore: a.txt: digest mismatch",
		},
		{
			name: "io wraps cause",
			err:  IO("restore", "b.txt", fs.ErrPermission),
			want: "restore: b.txt: i/o failure: permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIs(t *testing.T) {
	wrapped := fmt.Errorf("restoring plan: %w", Capacity("restore", "plan too large"))

	assert.True(t, Is(wrapped, ErrorTypeCapacity))
	assert.False(t, Is(wrapped, ErrorTypeIntegrity))
	assert.False(t, Is(stderrors.New("plain"), ErrorTypeCapacity))
	assert.Equal(t, ErrorTypeCapacity, TypeOf(wrapped))
	assert.Equal(t, ErrorType(""), TypeOf(nil))

	ioErr := IO("open", "x", fs.ErrNotExist)
	assert.ErrorIs(t, ioErr, fs.ErrNotExist)
}
