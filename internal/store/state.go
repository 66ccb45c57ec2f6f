// internal/store/state.go
package store

import (
	"sort"

	"github.com/dgraph-io/badger/v4"

	"recovery/internal/digest"
	"recovery/internal/storage"
)

const statePrefix = "state"

type stateRecord struct {
	Digest digest.Digest `json:"digest"`
	Size   uint64        `json:"size"`
}

// stateTable persists the path to digest table so it survives restarts.
type stateTable struct {
	table *storage.Table[stateRecord]
}

func newStateTable(db *badger.DB) *stateTable {
	return &stateTable{table: storage.NewTable[stateRecord](db, statePrefix)}
}

func (t *stateTable) put(path string, rec stateRecord) error {
	return t.table.Put(path, rec)
}

func (t *stateTable) get(path string) (stateRecord, bool, error) {
	return t.table.Get(path)
}

func (t *stateTable) remove(path string) error {
	_, err := t.table.Delete(path)
	return err
}

// load calls fn for every persisted path and returns how many there were.
func (t *stateTable) load(fn func(path string, rec stateRecord)) (int, error) {
	n := 0
	err := t.table.Each(func(path string, rec stateRecord) error {
		fn(path, rec)
		n++
		return nil
	})
	return n, err
}

func sortedPaths[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
