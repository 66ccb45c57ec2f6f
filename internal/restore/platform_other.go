//go:build !unix

package restore

import "errors"

var errModeUnsupported = errors.New("file modes are not supported on this platform")

func setMode(string, FileMode) error {
	return errModeUnsupported
}

// Written files keep the platform's default permissions; only an explicit
// Chmod fails.
func setContentMode(string, FileMode) error {
	return nil
}

func syncDir(string) error {
	return nil
}
