// internal/watch/watcher.go
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"

	"recovery/internal/concurrency"
	"recovery/internal/digest"
)

// IgnoreFile holds gitignore-style patterns at the workspace root.
const IgnoreFile = ".recoveryignore"

// Change is a file edit observed on disk.
type Change struct {
	Path         string
	Content      []byte
	Precondition *digest.Digest
	Source       concurrency.ChangeSource
}

// RecordFunc persists c and returns the digest the path holds afterwards,
// which becomes the precondition of the next edit.
type RecordFunc func(ctx context.Context, c Change) (digest.Digest, error)

// Watcher records human edits under a workspace as they happen.
type Watcher struct {
	root       string
	watcher    *fsnotify.Watcher
	ignoreDirs map[string]bool
	ignore     *ignore.GitIgnore
	record     RecordFunc
	userID     string
	mu         sync.Mutex
	seen       map[string]digest.Digest
	logger     *zap.Logger
}

type Option func(*Watcher)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithUserID(id string) Option {
	return func(w *Watcher) { w.userID = id }
}

// WithKnown seeds the digests the watcher assumes paths hold.
func WithKnown(states map[string]digest.Digest) Option {
	return func(w *Watcher) {
		for path, d := range states {
			w.seen[path] = d
		}
	}
}

// WithIgnoreDirs skips additional directory names anywhere in the tree.
func WithIgnoreDirs(names ...string) Option {
	return func(w *Watcher) {
		for _, n := range names {
			w.ignoreDirs[n] = true
		}
	}
}

func New(root string, record RecordFunc, opts ...Option) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path for root %s: %w", root, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		root:    absRoot,
		watcher: fw,
		ignoreDirs: map[string]bool{
			".git":         true,
			".recovery":    true,
			"node_modules": true,
			"vendor":       true,
			"dist":         true,
			"build":        true,
		},
		record: record,
		userID: "local",
		seen:   make(map[string]digest.Digest),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.loadIgnoreFile(); err != nil {
		fw.Close()
		return nil, err
	}
	if err := w.addTree(absRoot); err != nil {
		fw.Close()
		return nil, fmt.Errorf("initializing watches: %w", err)
	}
	return w, nil
}

func (w *Watcher) loadIgnoreFile() error {
	path := filepath.Join(w.root, IgnoreFile)
	gi, err := ignore.CompileIgnoreFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", IgnoreFile, err)
	}
	w.ignore = gi
	return nil
}

// addTree watches dir and every directory below it that is not ignored.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ShouldIgnore(w.rel(path), true) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// ShouldIgnore reports whether the workspace relative path is excluded.
func (w *Watcher) ShouldIgnore(rel string, isDir bool) bool {
	if rel == "" || rel == "." || strings.HasPrefix(rel, "../") {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if w.ignoreDirs[part] {
			return true
		}
	}
	if rel == IgnoreFile {
		return true
	}
	if w.ignore == nil {
		return false
	}
	if isDir {
		return w.ignore.MatchesPath(rel + "/")
	}
	return w.ignore.MatchesPath(rel)
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Lstat(event.Name)
	if err != nil {
		// removed before we got to it
		return
	}
	rel := w.rel(event.Name)

	if info.IsDir() {
		if w.ShouldIgnore(rel, true) {
			return
		}
		if err := w.addTree(event.Name); err != nil {
			w.logger.Error("adding new directory to watcher", zap.String("path", rel), zap.Error(err))
		}
		// files may have landed before the watch was in place
		if err := w.scanTree(ctx, event.Name); err != nil {
			w.logger.Error("scanning new directory", zap.String("path", rel), zap.Error(err))
		}
		return
	}
	if !info.Mode().IsRegular() || w.ShouldIgnore(rel, false) {
		return
	}
	if err := w.recordFile(ctx, rel); err != nil {
		w.logger.Error("recording edit", zap.String("path", rel), zap.Error(err))
	}
}

// Scan records every file under the workspace that differs from what the
// watcher last saw.
func (w *Watcher) Scan(ctx context.Context) error {
	return w.scanTree(ctx, w.root)
}

func (w *Watcher) scanTree(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := w.rel(path)
		if d.IsDir() {
			if path != w.root && w.ShouldIgnore(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || w.ShouldIgnore(rel, false) {
			return nil
		}
		return w.recordFile(ctx, rel)
	})
}

func (w *Watcher) recordFile(ctx context.Context, rel string) error {
	content, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	d := digest.FromBytes(content)

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, known := w.seen[rel]
	if known && prev == d {
		return nil
	}
	change := Change{
		Path:    rel,
		Content: content,
		Source:  concurrency.HumanEdit{UserID: w.userID},
	}
	if known {
		change.Precondition = &prev
	}

	after, err := w.record(ctx, change)
	if err != nil {
		return err
	}
	w.seen[rel] = after
	w.logger.Debug("recorded edit",
		zap.String("path", rel),
		zap.String("digest", d.Short()),
		zap.Bool("accepted", after == d))
	return nil
}

// Known returns the digest the watcher believes path holds.
func (w *Watcher) Known(path string) (digest.Digest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.seen[path]
	return d, ok
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
