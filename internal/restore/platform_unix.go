//go:build unix

package restore

import (
	"fmt"
	"os"
)

func setMode(path string, mode FileMode) error {
	bits, ok := mode.Bits()
	if !ok {
		return fmt.Errorf("%s mode has no permission bits", mode)
	}
	return os.Chmod(path, bits)
}

// setContentMode sets the bits of a freshly written file. A mode without
// bits (the path used to be a symlink) gets Regular's.
func setContentMode(path string, mode FileMode) error {
	bits, ok := mode.Bits()
	if !ok {
		bits, _ = Regular.Bits()
	}
	return os.Chmod(path, bits)
}

// syncDir makes a rename inside dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
