package validation

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "recovery/internal/errors"
)

func TestPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"main.go", false},
		{"src/pkg/a.go", false},
		{".recoveryignore", false},
		{"a..b/c", false},
		{"", true},
		{".", true},
		{"/etc/passwd", true},
		{"C:/Windows", true},
		{"../outside", true},
		{"..", true},
		{"a/../../b", true},
		{"./a", true},
		{"a//b", true},
		{"dir/", true},
		{"a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.path), func(t *testing.T) {
			err := Path(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, rerrors.Is(err, rerrors.ErrorTypeValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type request struct {
	Name string `json:"name"`
}

func (r *request) Validate() error {
	if r.Name == "" {
		return rerrors.Validation("request", "name is required")
	}
	return nil
}

func TestDecodeRequest(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x"}`))
		got, err := DecodeRequest[request](r)
		require.NoError(t, err)
		assert.Equal(t, "x", got.Name)
	})

	t.Run("Malformed", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{`))
		_, err := DecodeRequest[request](r)
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeValidation))
	})

	t.Run("Invalid", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
		_, err := DecodeRequest[request](r)
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeValidation))
	})
}
