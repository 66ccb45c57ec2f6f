// internal/store/root.go
package store

import (
	"os"
	"path/filepath"

	rerrors "recovery/internal/errors"
)

// FindRoot walks up from startDir looking for a store directory called name
// and returns its absolute path.
func FindRoot(startDir, name string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", rerrors.NotFound("find_root", startDir, "no "+name+" directory in any parent")
}
