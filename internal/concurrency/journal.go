// internal/concurrency/journal.go
package concurrency

import (
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	rerrors "recovery/internal/errors"
	"recovery/internal/storage"
)

const journalPrefix = "conflict"

// Journal persists conflict records in badger so they survive restarts.
type Journal struct {
	table *storage.Table[ConflictInfo]
}

func NewJournal(db *badger.DB) *Journal {
	return &Journal{table: storage.NewTable[ConflictInfo](db, journalPrefix)}
}

func (j *Journal) Append(info ConflictInfo) error {
	if info.ID == "" {
		return fmt.Errorf("conflict ID cannot be empty")
	}
	return j.table.Put(info.ID, info)
}

func (j *Journal) Get(id string) (ConflictInfo, error) {
	info, ok, err := j.table.Get(id)
	if err != nil {
		return info, err
	}
	if !ok {
		return info, rerrors.NotFound("get_conflict", id, "conflict not found")
	}
	return info, nil
}

// List returns every journaled conflict, oldest first.
func (j *Journal) List() ([]ConflictInfo, error) {
	return j.list(func(ConflictInfo) bool { return true })
}

func (j *Journal) ListByPath(path string) ([]ConflictInfo, error) {
	return j.list(func(c ConflictInfo) bool { return c.Path == path })
}

func (j *Journal) list(keep func(ConflictInfo) bool) ([]ConflictInfo, error) {
	var out []ConflictInfo
	err := j.table.Each(func(_ string, info ConflictInfo) error {
		if keep(info) {
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	return out, nil
}

func (j *Journal) Delete(id string) error {
	existed, err := j.table.Delete(id)
	if err != nil {
		return err
	}
	if !existed {
		return rerrors.NotFound("delete_conflict", id, "conflict not found")
	}
	return nil
}

// Prune deletes conflicts recorded before cutoff and returns how many went.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	old, err := j.list(func(c ConflictInfo) bool { return c.Timestamp.Before(cutoff) })
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(old))
	for i, c := range old {
		ids[i] = c.ID
	}
	if err := j.table.DeleteAll(ids); err != nil {
		return 0, fmt.Errorf("pruning conflicts: %w", err)
	}
	return len(old), nil
}
