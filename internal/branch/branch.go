// internal/branch/branch.go
package branch

import (
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"recovery/internal/concurrency"
	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
	"recovery/internal/storage"
)

const branchPrefix = "branch"

// Branch keeps a conflicting proposal alive beside the accepted state of
// its path.
type Branch struct {
	Name       string                    `json:"name"`
	Path       string                    `json:"path"`
	Digest     digest.Digest             `json:"digest"`
	Base       digest.Digest             `json:"base"`
	ConflictID string                    `json:"conflict_id"`
	SessionID  string                    `json:"session_id,omitempty"`
	Class      concurrency.ConflictClass `json:"class"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// FromConflict builds the branch a Branch resolution creates for info.
func FromConflict(name string, info concurrency.ConflictInfo, now time.Time) Branch {
	return Branch{
		Name:       name,
		Path:       info.Path,
		Digest:     info.ProposedDigest,
		Base:       info.BaseDigest,
		ConflictID: info.ID,
		SessionID:  info.ConflictingSession,
		Class:      info.Class,
		CreatedAt:  now,
	}
}

type Store struct {
	table *storage.Table[Branch]
}

func NewStore(db *badger.DB) *Store {
	return &Store{table: storage.NewTable[Branch](db, branchPrefix)}
}

func validate(b Branch) error {
	if b.Name == "" {
		return rerrors.Validation("create_branch", "branch name is required")
	}
	if b.Path == "" {
		return rerrors.Validation("create_branch", "branch path is required")
	}
	if b.Digest.IsZero() {
		return rerrors.Validation("create_branch", "branch digest is required")
	}
	return nil
}

// Create stores b. Names are unique.
func (s *Store) Create(b Branch) error {
	if err := validate(b); err != nil {
		return err
	}
	_, exists, err := s.table.Get(b.Name)
	if err != nil {
		return err
	}
	if exists {
		return rerrors.Conflict("create_branch", b.Path, "branch already exists: "+b.Name)
	}
	return s.table.Put(b.Name, b)
}

func (s *Store) Get(name string) (Branch, error) {
	b, ok, err := s.table.Get(name)
	if err != nil {
		return b, err
	}
	if !ok {
		return b, rerrors.NotFound("get_branch", name, "branch not found")
	}
	return b, nil
}

func (s *Store) Delete(name string) error {
	existed, err := s.table.Delete(name)
	if err != nil {
		return err
	}
	if !existed {
		return rerrors.NotFound("delete_branch", name, "branch not found")
	}
	return nil
}

// List returns every branch, oldest first.
func (s *Store) List() ([]Branch, error) {
	return s.list(func(Branch) bool { return true })
}

func (s *Store) FindByPath(path string) ([]Branch, error) {
	return s.list(func(b Branch) bool { return b.Path == path })
}

func (s *Store) list(keep func(Branch) bool) ([]Branch, error) {
	var out []Branch
	err := s.table.Each(func(_ string, b Branch) error {
		if keep(b) {
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Digests returns the content every branch refers to.
func (s *Store) Digests() ([]digest.Digest, error) {
	branches, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]digest.Digest, 0, 2*len(branches))
	for _, b := range branches {
		out = append(out, b.Digest)
		if !b.Base.IsZero() {
			out = append(out, b.Base)
		}
	}
	return out, nil
}
