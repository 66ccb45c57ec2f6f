// internal/validation/validation.go
package validation

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	rerrors "recovery/internal/errors"
)

type Validator interface {
	Validate() error
}

// DecodeRequest decodes a JSON request body into a T and validates it.
func DecodeRequest[T any, P interface {
	*T
	Validator
}](r *http.Request) (*T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return nil, rerrors.Validation("decode_request", "invalid request body")
	}
	if err := P(&v).Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// Path checks that p names a file inside the workspace: relative, slash
// separated, already cleaned and never escaping through "..".
func Path(p string) error {
	switch {
	case p == "" || p == ".":
		return rerrors.Validation("validate_path", "path is required")
	case strings.ContainsRune(p, 0):
		return rerrors.Validation("validate_path", "path contains a NUL byte")
	case strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':'):
		return rerrors.Validation("validate_path", "path must be relative: "+p)
	case path.Clean(p) != p:
		return rerrors.Validation("validate_path", "path is not clean: "+p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return rerrors.Validation("validate_path", "path escapes the workspace: "+p)
	}
	return nil
}
