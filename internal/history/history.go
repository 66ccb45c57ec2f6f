// internal/history/history.go
package history

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
	"recovery/internal/storage"
)

const historyPrefix = "history"

// Version is one accepted state of a path.
type Version struct {
	Path       string        `json:"path"`
	Digest     digest.Digest `json:"digest"`
	Size       uint64        `json:"size"`
	Source     string        `json:"source"`
	SessionID  string        `json:"session_id,omitempty"`
	AgentID    string        `json:"agent_id,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Log records the versions of every path, oldest first per path.
type Log struct {
	table *storage.Table[Version]
	now   func() time.Time
}

func NewLog(db *badger.DB) *Log {
	return &Log{
		table: storage.NewTable[Version](db, historyPrefix),
		now:   time.Now,
	}
}

// pathKey ends in NUL so "a" never matches versions of "ab".
func pathKey(path string) string {
	return path + "\x00"
}

func versionKey(v Version) string {
	return fmt.Sprintf("%s%020d", pathKey(v.Path), v.RecordedAt.UnixNano())
}

// Append stores v, stamping RecordedAt when it is zero. Appending the
// digest the path already holds is a no-op.
func (l *Log) Append(v Version) error {
	if v.Path == "" {
		return rerrors.Validation("append_version", "path is required")
	}
	last, ok, err := l.Latest(v.Path)
	if err != nil {
		return err
	}
	if ok && last.Digest == v.Digest {
		return nil
	}
	if v.RecordedAt.IsZero() {
		v.RecordedAt = l.now()
	}
	if ok && !v.RecordedAt.After(last.RecordedAt) {
		// keep keys ordered when the clock stalls or steps back
		v.RecordedAt = last.RecordedAt.Add(time.Nanosecond)
	}
	return l.table.Put(versionKey(v), v)
}

// Versions returns every recorded version of path, oldest first.
func (l *Log) Versions(path string) ([]Version, error) {
	var out []Version
	err := l.table.Scan(pathKey(path), func(_ string, v Version) error {
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", path, err)
	}
	return out, nil
}

func (l *Log) Latest(path string) (Version, bool, error) {
	versions, err := l.Versions(path)
	if err != nil || len(versions) == 0 {
		return Version{}, false, err
	}
	return versions[len(versions)-1], true, nil
}

// Find returns the most recent version of path with digest d.
func (l *Log) Find(path string, d digest.Digest) (Version, error) {
	versions, err := l.Versions(path)
	if err != nil {
		return Version{}, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Digest == d {
			return versions[i], nil
		}
	}
	return Version{}, rerrors.NotFound("find_version", path, "no version "+d.Short())
}

// Digests returns every digest referenced by any version.
func (l *Log) Digests() ([]digest.Digest, error) {
	seen := make(map[digest.Digest]bool)
	var out []digest.Digest
	err := l.table.Each(func(_ string, v Version) error {
		if !seen[v.Digest] {
			seen[v.Digest] = true
			out = append(out, v.Digest)
		}
		return nil
	})
	return out, err
}
