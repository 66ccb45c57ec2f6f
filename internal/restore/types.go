// internal/restore/types.go
package restore

import (
	"fmt"
	"os"
	"time"

	"recovery/internal/digest"
)

type FileMode int

const (
	Regular FileMode = iota
	Executable
	Symlink
)

func (m FileMode) String() string {
	switch m {
	case Regular:
		return "regular"
	case Executable:
		return "executable"
	case Symlink:
		return "symlink"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Bits returns the permission bits for m. Symlinks carry none.
func (m FileMode) Bits() (os.FileMode, bool) {
	switch m {
	case Regular:
		return 0644, true
	case Executable:
		return 0755, true
	default:
		return 0, false
	}
}

// ModeOf maps permission bits back to a FileMode.
func ModeOf(info os.FileInfo) FileMode {
	if info.Mode()&os.ModeSymlink != 0 {
		return Symlink
	}
	if info.Mode().Perm()&0111 != 0 {
		return Executable
	}
	return Regular
}

// Action is one step of a Plan.
type Action interface {
	FilePath() string
	Size() uint64
	isAction()
}

// WriteFile materializes the object Source at Path. Expected is the digest
// the file must hash to afterwards.
type WriteFile struct {
	Path     string
	Mode     FileMode
	Expected digest.Digest
	Source   digest.Digest
	Bytes    uint64
}

type WriteSymlink struct {
	Path   string
	Target string
	Bytes  uint64
}

type DeleteFile struct {
	Path  string
	Bytes uint64
}

type Chmod struct {
	Path  string
	Mode  FileMode
	Bytes uint64
}

func (a WriteFile) FilePath() string    { return a.Path }
func (a WriteSymlink) FilePath() string { return a.Path }
func (a DeleteFile) FilePath() string   { return a.Path }
func (a Chmod) FilePath() string        { return a.Path }

func (a WriteFile) Size() uint64    { return a.Bytes }
func (a WriteSymlink) Size() uint64 { return a.Bytes }
func (a DeleteFile) Size() uint64   { return a.Bytes }
func (a Chmod) Size() uint64        { return a.Bytes }

func (WriteFile) isAction()    {}
func (WriteSymlink) isAction() {}
func (DeleteFile) isAction()   {}
func (Chmod) isAction()        {}

type Plan struct {
	Actions []Action
}

// Size sums the declared size of every action.
func (p Plan) Size() uint64 {
	var n uint64
	for _, a := range p.Actions {
		n += a.Size()
	}
	return n
}

type RestoredFile struct {
	Path       string        `json:"path"`
	Size       uint64        `json:"size"`
	Digest     digest.Digest `json:"digest"`
	Mode       FileMode      `json:"mode"`
	RestoredAt time.Time     `json:"restored_at"`
}

type FailedRestore struct {
	Path  string `json:"path"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

type Result struct {
	FilesRestored int             `json:"files_restored"`
	BytesRestored uint64          `json:"bytes_restored"`
	Restored      []RestoredFile  `json:"restored"`
	Failed        []FailedRestore `json:"failed"`
	Duration      time.Duration   `json:"duration"`
	DryRun        bool            `json:"dry_run"`
}

type Stats struct {
	FilesRestored    int    `json:"files_restored"`
	BytesRestored    uint64 `json:"bytes_restored"`
	FailedRestores   int    `json:"failed_restores"`
	DigestMismatches int    `json:"digest_mismatches"`
	TotalTimeMs      int64  `json:"total_time_ms"`
}
