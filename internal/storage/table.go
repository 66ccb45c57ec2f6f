// internal/storage/table.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dgraph-io/badger/v4"
)

// Table stores JSON encoded values of one type under "<prefix>:<id>" keys.
type Table[T any] struct {
	db     *badger.DB
	prefix string
}

func NewTable[T any](db *badger.DB, prefix string) *Table[T] {
	return &Table[T]{db: db, prefix: prefix}
}

func (t *Table[T]) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", t.prefix, id))
}

func (t *Table[T]) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), t.prefix+":")
}

// update retries transactions that lose a write race.
func (t *Table[T]) update(fn func(txn *badger.Txn) error) error {
	return retry.Do(
		func() error { return t.db.Update(fn) },
		retry.Attempts(5),
		retry.Delay(5*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, badger.ErrConflict)
		}),
	)
}

// Put creates or replaces the value stored under id.
func (t *Table[T]) Put(id string, v T) error {
	if id == "" {
		return fmt.Errorf("%s: id cannot be empty", t.prefix)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s %s: %w", t.prefix, id, err)
	}
	return t.update(func(txn *badger.Txn) error {
		return txn.Set(t.makeKey(id), data)
	})
}

// Get reports false when id is absent.
func (t *Table[T]) Get(id string) (T, bool, error) {
	var v T
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(t.makeKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("reading %s %s: %w", t.prefix, id, err)
	}
	return v, true, nil
}

// Delete removes id and reports whether it was present.
func (t *Table[T]) Delete(id string) (bool, error) {
	existed := false
	err := t.update(func(txn *badger.Txn) error {
		existed = false
		if _, err := txn.Get(t.makeKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		existed = true
		return txn.Delete(t.makeKey(id))
	})
	return existed, err
}

// DeleteAll removes ids in one transaction. Absent ids are ignored.
func (t *Table[T]) DeleteAll(ids []string) error {
	return t.update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(t.makeKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Each calls fn for every stored value in key order and stops at the first
// error fn returns.
func (t *Table[T]) Each(fn func(id string, v T) error) error {
	return t.Scan("", fn)
}

// Scan is Each restricted to ids starting with idPrefix.
func (t *Table[T]) Scan(idPrefix string, fn func(id string, v T) error) error {
	return t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = t.makeKey(idPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := t.stripPrefix(item.Key())
			var v T
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decoding %s %s: %w", t.prefix, id, err)
			}
			if err := fn(id, v); err != nil {
				return err
			}
		}
		return nil
	})
}
