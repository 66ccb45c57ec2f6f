// internal/gc/tracker.go
package gc

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"recovery/internal/digest"
	"recovery/internal/storage"
)

// Tracker remembers when an object was first seen unreachable.
type Tracker interface {
	First(d digest.Digest) (time.Time, bool, error)
	Mark(d digest.Digest, at time.Time) error
	Clear(d digest.Digest) error
}

type memoryTracker struct {
	mu   sync.Mutex
	seen map[digest.Digest]time.Time
}

func NewMemoryTracker() Tracker {
	return &memoryTracker{seen: make(map[digest.Digest]time.Time)}
}

func (t *memoryTracker) First(d digest.Digest) (time.Time, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.seen[d]
	return at, ok, nil
}

func (t *memoryTracker) Mark(d digest.Digest, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[d] = at
	return nil
}

func (t *memoryTracker) Clear(d digest.Digest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, d)
	return nil
}

// BadgerTracker keeps sightings in badger so the grace clock survives
// restarts.
type BadgerTracker struct {
	table *storage.Table[time.Time]
}

func NewBadgerTracker(db *badger.DB) *BadgerTracker {
	return &BadgerTracker{table: storage.NewTable[time.Time](db, "gc:grace")}
}

func (t *BadgerTracker) First(d digest.Digest) (time.Time, bool, error) {
	return t.table.Get(d.String())
}

func (t *BadgerTracker) Mark(d digest.Digest, at time.Time) error {
	return t.table.Put(d.String(), at)
}

func (t *BadgerTracker) Clear(d digest.Digest) error {
	_, err := t.table.Delete(d.String())
	return err
}
