// internal/restore/engine.go
package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
	"recovery/internal/logging"
)

// ContentSource supplies the bytes of stored objects.
type ContentSource interface {
	Load(ctx context.Context, d digest.Digest) ([]byte, error)
}

type Config struct {
	// Atomic writes through a sibling temp file and rename.
	Atomic         bool
	VerifyDigest   bool
	BackupExisting bool
	BackupDir      string
	// MaxRestoreSize rejects larger plans outright; 0 disables the check.
	MaxRestoreSize uint64
	DryRun         bool
	// VerifyBeforeRename hashes the temp file before it replaces the target,
	// so a mismatching file never becomes visible.
	VerifyBeforeRename bool
	// Root resolves relative action paths and anchors backup layout.
	Root string
}

func DefaultConfig() Config {
	return Config{
		Atomic:         true,
		VerifyDigest:   true,
		BackupExisting: true,
		BackupDir:      filepath.Join(".recovery", "backups"),
		MaxRestoreSize: 1 << 30,
	}
}

// Engine applies restore plans to the filesystem.
type Engine struct {
	mu       sync.Mutex
	config   Config
	source   ContentSource
	logger   *zap.Logger
	progress func(Progress)
	stats    Stats
	now      func() time.Time

	// test hook run between the temp write and the rename
	beforeRename func(tmp string) error
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(logger) }
}

// WithProgress registers fn to be called after every action.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.progress = fn }
}

func New(config Config, source ContentSource, opts ...Option) *Engine {
	e := &Engine{
		config: config,
		source: source,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config {
	return e.config
}

// RestoreFromPlan applies every action in order. Failures are isolated per
// action and reported in Result.Failed. A plan larger than MaxRestoreSize is
// refused before anything is touched. Cancellation is checked between
// actions; the partial result is returned with the context error.
func (e *Engine) RestoreFromPlan(ctx context.Context, plan Plan) (*Result, error) {
	start := e.now()

	total := plan.Size()
	if limit := e.config.MaxRestoreSize; limit > 0 && total > limit {
		return nil, rerrors.Capacity("restore",
			fmt.Sprintf("restore size %d exceeds maximum %d", total, limit))
	}

	result := &Result{DryRun: e.config.DryRun}
	progress := NewProgress(len(plan.Actions), total, start)
	log := e.logger
	if id, ok := logging.SessionFromContext(ctx); ok {
		log = log.With(zap.String("session_id", id))
	}

	var ctxErr error
	for _, action := range plan.Actions {
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}

		restored, err := e.apply(ctx, action)
		if err != nil {
			log.Warn("restore action failed",
				zap.String("path", action.FilePath()),
				zap.Error(err))
			result.Failed = append(result.Failed, FailedRestore{
				Path:  action.FilePath(),
				Error: err.Error(),
				Err:   err,
			})
			progress.FailedFiles++
		} else {
			result.Restored = append(result.Restored, restored)
			result.BytesRestored += action.Size()
			progress.RestoredFiles++
			progress.RestoredBytes += action.Size()
		}

		if e.progress != nil {
			progress.Current = action.FilePath()
			progress.Updated = e.now()
			e.progress(progress)
		}
	}

	result.FilesRestored = len(result.Restored)
	result.Duration = e.now().Sub(start)

	mismatches := 0
	for _, f := range result.Failed {
		if rerrors.Is(f.Err, rerrors.ErrorTypeIntegrity) {
			mismatches++
		}
	}

	e.mu.Lock()
	e.stats.FilesRestored += result.FilesRestored
	e.stats.BytesRestored += result.BytesRestored
	e.stats.FailedRestores += len(result.Failed)
	e.stats.DigestMismatches += mismatches
	e.stats.TotalTimeMs += result.Duration.Milliseconds()
	e.mu.Unlock()

	log.Info("restore finished",
		zap.Int("restored", result.FilesRestored),
		zap.Int("failed", len(result.Failed)),
		zap.Uint64("bytes", result.BytesRestored),
		zap.Bool("dry_run", result.DryRun),
		zap.Duration("duration", result.Duration))

	return result, ctxErr
}

func (e *Engine) resolve(path string) string {
	if e.config.Root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.config.Root, path)
}

func (e *Engine) apply(ctx context.Context, action Action) (RestoredFile, error) {
	path := e.resolve(action.FilePath())
	restored := RestoredFile{
		Path:       action.FilePath(),
		Size:       action.Size(),
		RestoredAt: e.now(),
	}
	switch a := action.(type) {
	case WriteFile:
		restored.Digest = a.Expected
		restored.Mode = a.Mode
	case WriteSymlink:
		restored.Mode = Symlink
	case Chmod:
		restored.Mode = a.Mode
	}

	if e.config.DryRun {
		return restored, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return restored, rerrors.IO("restore", action.FilePath(), err)
	}
	if e.config.BackupExisting {
		if err := e.backup(path); err != nil {
			return restored, fmt.Errorf("backing up %s: %w", action.FilePath(), err)
		}
	}

	switch a := action.(type) {
	case WriteFile:
		content, err := e.source.Load(ctx, a.Source)
		if err != nil {
			return restored, fmt.Errorf("loading %s: %w", a.Source.Short(), err)
		}
		if e.config.Atomic {
			err = e.writeAtomic(path, a, content)
		} else {
			err = e.writeDirect(path, a, content)
		}
		return restored, err

	case WriteSymlink:
		return restored, e.writeSymlink(path, a)

	case DeleteFile:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return restored, rerrors.IO("delete", a.Path, err)
		}
		return restored, nil

	case Chmod:
		if err := setMode(path, a.Mode); err != nil {
			return restored, rerrors.IO("chmod", a.Path, err)
		}
		return restored, nil

	default:
		return restored, rerrors.Validation("restore", fmt.Sprintf("unknown action %T", action))
	}
}

func (e *Engine) writeAtomic(path string, a WriteFile, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return rerrors.IO("restore", a.Path, err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return rerrors.IO("restore", a.Path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return rerrors.IO("restore", a.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return rerrors.IO("restore", a.Path, err)
	}
	if err := setContentMode(tmpName, a.Mode); err != nil {
		return rerrors.IO("restore", a.Path, err)
	}

	if e.config.VerifyBeforeRename {
		if err := verifyFile(tmpName, a.Path, a.Expected); err != nil {
			return err
		}
	}
	if e.beforeRename != nil {
		if err := e.beforeRename(tmpName); err != nil {
			return rerrors.IO("restore", a.Path, err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return rerrors.IO("restore", a.Path, err)
	}
	renamed = true

	if err := syncDir(dir); err != nil {
		return rerrors.IO("restore", a.Path, err)
	}
	if e.config.VerifyDigest {
		return verifyFile(path, a.Path, a.Expected)
	}
	return nil
}

func (e *Engine) writeDirect(path string, a WriteFile, content []byte) error {
	bits, ok := a.Mode.Bits()
	if !ok {
		bits = 0644
	}
	if err := os.WriteFile(path, content, bits); err != nil {
		return rerrors.IO("restore", a.Path, err)
	}
	if err := setContentMode(path, a.Mode); err != nil {
		return rerrors.IO("restore", a.Path, err)
	}
	if e.config.VerifyDigest {
		return verifyFile(path, a.Path, a.Expected)
	}
	return nil
}

// writeSymlink creates the link beside the target and renames it over any
// existing entry.
func (e *Engine) writeSymlink(path string, a WriteSymlink) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp-"+uuid.NewString()[:8])
	if err := os.Symlink(a.Target, tmp); err != nil {
		return rerrors.IO("symlink", a.Path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return rerrors.IO("symlink", a.Path, err)
	}
	return nil
}

func verifyFile(path, display string, expected digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return rerrors.IO("verify", display, err)
	}
	defer f.Close()

	got, err := digest.FromReader(f)
	if err != nil {
		return rerrors.IO("verify", display, err)
	}
	if got != expected {
		return rerrors.Integrity("verify", display,
			fmt.Sprintf("digest mismatch: expected %s, got %s", expected.Short(), got.Short()))
	}
	return nil
}

// backupPath mirrors path under the backup directory.
func (e *Engine) backupPath(path string) string {
	dir := e.resolve(e.config.BackupDir)
	rel := path
	if e.config.Root != "" {
		if r, err := filepath.Rel(e.config.Root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = strings.TrimPrefix(rel, filepath.VolumeName(rel))
	return filepath.Join(dir, rel)
}

func (e *Engine) backup(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	dst := e.backupPath(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		os.Remove(dst)
		return os.Symlink(target, dst)
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Stats{}
}
