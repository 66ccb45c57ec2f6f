// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"recovery/internal/branch"
	"recovery/internal/compress"
	"recovery/internal/concurrency"
	"recovery/internal/config"
	"recovery/internal/diff"
	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
	"recovery/internal/gc"
	"recovery/internal/history"
	"recovery/internal/metrics"
	"recovery/internal/pack"
	"recovery/internal/restore"
	"recovery/internal/safe"
	"recovery/internal/validation"
)

// ErrLocked is returned when another process holds the store.
var ErrLocked = errors.New("store is locked by another process")

// Store ties the recovery components together over one directory:
//
//	<root>/LOCK     process lock
//	<root>/db       badger: object metadata, file states, conflicts, gc sightings
//	<root>/objects  loose objects
//	<root>/packs    pack files
//	<root>/index    per-pack indexes
type Store struct {
	// mu orders mutations so persisted states follow manager order.
	mu        sync.Mutex
	root      string
	workspace string
	config    *config.Config
	lock      *flock.Flock
	db        *badger.DB
	safe      *safe.Safe
	packs     *pack.Manager
	changes   *concurrency.Guarded
	journal   *concurrency.Journal
	detector  *concurrency.Detector
	restorer  *restore.Engine
	collector *gc.Collector
	recorder  *metrics.Recorder
	differ    *diff.Engine
	states    *stateTable
	history   *history.Log
	branches  *branch.Store
	logger    *zap.Logger
}

type options struct {
	logger    *zap.Logger
	sink      metrics.Sink
	workspace string
	inMemory  bool
	progress  func(restore.Progress)
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSink overrides the metrics sink chosen from configuration.
func WithSink(sink metrics.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithWorkspace sets the directory restored paths are relative to. It
// defaults to the parent of the store root.
func WithWorkspace(dir string) Option {
	return func(o *options) { o.workspace = dir }
}

// WithInMemoryDB keeps badger in memory. Used by tests.
func WithInMemoryDB() Option {
	return func(o *options) { o.inMemory = true }
}

func WithProgress(fn func(restore.Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// Initialize creates the store layout under root.
func Initialize(root string) error {
	for _, dir := range []string{"db", "objects", "packs", "index"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return fmt.Errorf("creating %s directory: %w", dir, err)
		}
	}
	return nil
}

// Open locks root and opens every component. The caller must Close the
// store to release the lock.
func Open(root string, cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path for root %s: %w", root, err)
	}
	if err := Initialize(absRoot); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	lock := flock.New(filepath.Join(absRoot, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	s := &Store{
		root:      absRoot,
		workspace: o.workspace,
		config:    cfg,
		lock:      lock,
		logger:    logger,
	}
	if s.workspace == "" {
		s.workspace = filepath.Dir(absRoot)
	}
	if err := s.open(o); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) open(o options) error {
	dbOpts := badger.DefaultOptions(filepath.Join(s.root, "db"))
	if o.inMemory {
		dbOpts = dbOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	dbOpts.Logger = nil
	db, err := badger.Open(dbOpts)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	var codec *compress.Compressor
	if s.config.Pack.EnableCompression {
		codec, err = compress.New(compress.Options{
			MinSize: compress.DefaultOptions().MinSize,
			Level:   s.config.Pack.CompressionLevel,
		})
		if err != nil {
			return fmt.Errorf("creating compressor: %w", err)
		}
	}
	s.safe, err = safe.New(db, safe.Options{
		Root:       filepath.Join(s.root, "objects"),
		CacheSize:  1000,
		Compressor: codec,
		Logger:     s.logger.Named("safe"),
	})
	if err != nil {
		return fmt.Errorf("initializing content safe: %w", err)
	}

	s.packs, err = pack.NewManager(filepath.Join(s.root, "packs"), filepath.Join(s.root, "index"), pack.Config{
		MaxObjectsPerPack: s.config.Pack.MaxObjectsPerPack,
		MaxPackSize:       s.config.Pack.MaxPackSize,
		EnableCompression: s.config.Pack.EnableCompression,
		CompressionLevel:  s.config.Pack.CompressionLevel,
		Prefix:            s.config.Pack.Prefix,
		CacheSize:         s.config.Pack.CacheSize,
	}, pack.WithLogger(s.logger.Named("pack")))
	if err != nil {
		return fmt.Errorf("opening packs: %w", err)
	}

	resolution, err := concurrency.ParseResolution(s.config.Concurrency.DefaultResolution)
	if err != nil {
		return rerrors.Validation("open_store", err.Error())
	}
	s.journal = concurrency.NewJournal(db)
	manager := concurrency.NewManager(concurrency.Config{
		MaxPendingChanges:  s.config.Concurrency.MaxPendingChanges,
		ConflictTimeout:    s.config.Concurrency.ConflictTimeout,
		DefaultResolution:  resolution,
		LogConflicts:       s.config.Concurrency.LogConflicts,
		MaxConflictHistory: s.config.Concurrency.MaxConflictHistory,
	}, concurrency.WithLogger(s.logger.Named("concurrency")), concurrency.WithJournal(s.journal))
	s.changes = concurrency.NewGuarded(manager)

	s.detector = concurrency.NewDetector()
	for _, p := range concurrency.DefaultPatterns() {
		s.detector.AddPattern(p)
	}

	s.states = newStateTable(db)
	s.history = history.NewLog(db)
	s.branches = branch.NewStore(db)
	seeded, err := s.states.load(func(path string, rec stateRecord) {
		s.changes.SeedState(path, rec.Digest)
	})
	if err != nil {
		return fmt.Errorf("loading file states: %w", err)
	}

	restoreOpts := []restore.Option{restore.WithLogger(s.logger.Named("restore"))}
	if o.progress != nil {
		restoreOpts = append(restoreOpts, restore.WithProgress(o.progress))
	}
	s.restorer = restore.New(restore.Config{
		Atomic:             s.config.Restore.Atomic,
		VerifyDigest:       s.config.Restore.VerifyDigest,
		VerifyBeforeRename: s.config.Restore.VerifyBeforeRename,
		BackupExisting:     s.config.Restore.BackupExisting,
		BackupDir:          s.config.Restore.BackupDir,
		MaxRestoreSize:     s.config.Restore.MaxRestoreSize,
		DryRun:             s.config.Restore.DryRun,
		Root:               s.workspace,
	}, s, restoreOpts...)

	s.collector = gc.New(gc.Config{
		GracePeriod:        s.config.GC.GracePeriod,
		MaxObjectsPerCycle: s.config.GC.MaxObjectsPerCycle,
		EnablePacking:      s.config.GC.EnablePacking,
		PackThreshold:      s.config.GC.PackThreshold,
		DryRun:             s.config.GC.DryRun,
	}, s.safe, s.packs,
		gc.WithLogger(s.logger.Named("gc")),
		gc.WithTracker(gc.NewBadgerTracker(db)))

	sink := o.sink
	if sink == nil && s.config.Metrics.Enabled {
		sink = metrics.NewPromSink(s.config.Metrics.Namespace, prometheus.DefaultRegisterer, s.logger.Named("metrics"))
	}
	s.recorder = metrics.NewRecorder(sink)
	s.differ = diff.NewEngine(3)

	s.logger.Info("store opened",
		zap.String("root", s.root),
		zap.String("workspace", s.workspace),
		zap.Int("files", seeded),
		zap.Strings("packs", s.packs.ListPacks()))
	return nil
}

func (s *Store) Root() string      { return s.root }
func (s *Store) Workspace() string { return s.workspace }

// Close seals open packs, closes the database and releases the lock.
func (s *Store) Close() error {
	var errs []error
	if s.packs != nil {
		if err := s.packs.CloseAllPacks(); err != nil {
			errs = append(errs, fmt.Errorf("closing packs: %w", err))
		}
		s.packs = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
		s.db = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("releasing lock: %w", err))
		}
		s.lock = nil
	}
	return errors.Join(errs...)
}

// Change is one proposed new content for a path.
type Change struct {
	Path    string
	Content []byte
	// Precondition is the digest the caller believes the path holds; nil
	// accepts any current state.
	Precondition *digest.Digest
	Source       concurrency.ChangeSource
	SessionID    string
	AgentID      string
}

// Record arbitrates c and, when accepted, appends its content to the packs
// and persists the new state. The change stays pending until Commit or
// Rollback. A conflicting proposal is kept in the safe so it can be
// inspected or restored later.
func (s *Store) Record(ctx context.Context, c Change) (concurrency.Result, error) {
	if err := ctx.Err(); err != nil {
		return concurrency.Result{}, err
	}
	if err := validation.Path(c.Path); err != nil {
		return concurrency.Result{}, err
	}
	if c.Source == nil {
		c.Source = concurrency.SystemRecovery{}
	}
	for _, p := range s.detector.DetectConflicts(c.Path, c.Source) {
		s.logger.Debug("path matches conflict-prone pattern",
			zap.String("path", c.Path),
			zap.String("pattern", p.Name),
			zap.Stringer("resolution", p.Resolution))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := digest.FromBytes(c.Content)
	res, err := s.changes.RecordChange(c.Path, d, c.Precondition, c.Source, c.SessionID, c.AgentID)
	if err != nil {
		return res, err
	}
	s.recorder.RecordChange(res.Kind)

	if res.Kind == concurrency.Conflict {
		s.recorder.RecordConflict(c.SessionID, res.Conflict)
		if _, err := s.safe.Store(c.Content); err != nil {
			return res, fmt.Errorf("keeping proposed content for %s: %w", c.Path, err)
		}
		return res, nil
	}

	if _, err := s.packs.AddObject(d, c.Content, pack.Blob); err != nil {
		s.rollbackAfterFailure(c.Path)
		return concurrency.Result{}, fmt.Errorf("storing %s: %w", c.Path, err)
	}
	s.recorder.RecordPackWrite(c.SessionID, len(c.Content))
	if err := s.packs.Sync(); err != nil {
		s.rollbackAfterFailure(c.Path)
		return concurrency.Result{}, fmt.Errorf("syncing pack for %s: %w", c.Path, err)
	}

	if err := s.states.put(c.Path, stateRecord{Digest: d, Size: uint64(len(c.Content))}); err != nil {
		s.rollbackAfterFailure(c.Path)
		return concurrency.Result{}, fmt.Errorf("persisting state of %s: %w", c.Path, err)
	}
	s.appendHistory(history.Version{
		Path:      c.Path,
		Digest:    d,
		Size:      uint64(len(c.Content)),
		Source:    c.Source.String(),
		SessionID: c.SessionID,
		AgentID:   c.AgentID,
	})
	return res, nil
}

func (s *Store) rollbackAfterFailure(path string) {
	if err := s.changes.RollbackChange(path); err != nil {
		s.logger.Error("rolling back failed change", zap.String("path", path), zap.Error(err))
	}
}

func (s *Store) Commit(path string) error {
	return s.changes.CommitChange(path)
}

// Rollback restores the state path had before its pending change.
func (s *Store) Rollback(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.changes.RollbackChange(path); err != nil {
		return err
	}
	if err := s.syncState(path); err != nil {
		return err
	}
	s.logReverted(path, "rollback")
	return nil
}

// logReverted appends the state path went back to, if it has one.
func (s *Store) logReverted(path, source string) {
	rec, ok, err := s.states.get(path)
	if err != nil || !ok {
		return
	}
	s.appendHistory(history.Version{Path: path, Digest: rec.Digest, Size: rec.Size, Source: source})
}

// ExpirePending rolls back changes pending longer than the conflict timeout.
func (s *Store) ExpirePending() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := s.changes.ExpirePending(time.Now())
	for _, path := range expired {
		if err := s.syncState(path); err != nil {
			return expired, err
		}
		s.logReverted(path, "expired")
	}
	return expired, nil
}

// Resolve applies strategy to a conflict. Once the conflict no longer
// needs attention it is removed from the journal.
func (s *Store) Resolve(path string, info concurrency.ConflictInfo, strategy concurrency.Resolution) (concurrency.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.changes.ResolveConflict(path, info, strategy)
	if err != nil {
		return res, err
	}
	if res.Kind == concurrency.Success {
		if err := s.syncState(path); err != nil {
			return res, err
		}
		if rec, ok, err := s.states.get(path); err == nil && ok {
			s.appendHistory(history.Version{
				Path:      path,
				Digest:    rec.Digest,
				Size:      rec.Size,
				Source:    "resolution(" + strategy.String() + ")",
				SessionID: info.ConflictingSession,
			})
		}
	}
	if res.Kind == concurrency.Branched {
		if err := s.branches.Create(branch.FromConflict(res.Branch, info, time.Now())); err != nil {
			return res, fmt.Errorf("creating branch %s: %w", res.Branch, err)
		}
	}
	if res.Kind != concurrency.Conflict && info.ID != "" {
		if err := s.journal.Delete(info.ID); err != nil {
			s.logger.Debug("conflict not in journal", zap.String("id", info.ID), zap.Error(err))
		}
	}
	s.logger.Info("conflict resolved",
		zap.String("path", path),
		zap.Stringer("strategy", strategy),
		zap.Stringer("result", res.Kind))
	return res, nil
}

// appendHistory logs a failure instead of returning it; the state change
// it describes is already durable.
func (s *Store) appendHistory(v history.Version) {
	if err := s.history.Append(v); err != nil {
		s.logger.Warn("recording history", zap.String("path", v.Path), zap.Error(err))
	}
}

// History lists the accepted versions of path, oldest first.
func (s *Store) History(path string) ([]history.Version, error) {
	if err := validation.Path(path); err != nil {
		return nil, err
	}
	return s.history.Versions(path)
}

// syncState writes the manager's current view of path to badger.
func (s *Store) syncState(path string) error {
	d, ok := s.changes.FileState(path)
	if !ok {
		return s.states.remove(path)
	}
	size, err := s.objectSize(d)
	if rerrors.Is(err, rerrors.ErrorTypeNotFound) {
		s.logger.Warn("state refers to an object that is not stored",
			zap.String("path", path), zap.String("digest", d.Short()))
	} else if err != nil {
		return err
	}
	return s.states.put(path, stateRecord{Digest: d, Size: size})
}

func (s *Store) objectSize(d digest.Digest) (uint64, error) {
	if d == digest.Empty {
		return 0, nil
	}
	if meta, err := s.safe.Stat(d); err == nil {
		return uint64(meta.Size), nil
	}
	data, err := s.Load(context.Background(), d)
	if err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

// Conflicts lists journaled conflicts, oldest first.
func (s *Store) Conflicts() ([]concurrency.ConflictInfo, error) {
	return s.journal.List()
}

func (s *Store) Conflict(id string) (concurrency.ConflictInfo, error) {
	return s.journal.Get(id)
}

func (s *Store) FileState(path string) (digest.Digest, bool) {
	return s.changes.FileState(path)
}

// FileStates returns the recorded digest of every path.
func (s *Store) FileStates() map[string]digest.Digest {
	return s.changes.FileStates()
}

// Load returns the content stored under d, looking in packs before the
// safe. It satisfies restore.ContentSource.
func (s *Store) Load(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d == digest.Empty {
		return []byte{}, nil
	}
	data, ok, err := s.packs.GetObject(d)
	if err != nil {
		return nil, fmt.Errorf("reading pack object %s: %w", d.Short(), err)
	}
	if ok {
		return data, nil
	}
	data, err = s.safe.Get(d)
	if errors.Is(err, safe.ErrContentNotFound) {
		return nil, rerrors.NotFound("load_object", d.Short(), "object not stored")
	}
	return data, err
}

// PlanRestore builds a plan writing the recorded state of each path with
// the given mode. Paths with no recorded state are an error.
func (s *Store) PlanRestore(paths map[string]restore.FileMode) (restore.Plan, error) {
	var plan restore.Plan
	for _, path := range sortedPaths(paths) {
		if err := validation.Path(path); err != nil {
			return restore.Plan{}, err
		}
		rec, ok, err := s.states.get(path)
		if err != nil {
			return restore.Plan{}, err
		}
		if !ok {
			return restore.Plan{}, rerrors.NotFound("plan_restore", path, "no recorded state")
		}
		plan.Actions = append(plan.Actions, restore.WriteFile{
			Path:     path,
			Mode:     paths[path],
			Expected: rec.Digest,
			Source:   rec.Digest,
			Bytes:    rec.Size,
		})
	}
	return plan, nil
}

// PlanRestoreVersion builds a plan writing an earlier version d of path.
func (s *Store) PlanRestoreVersion(path string, d digest.Digest, mode restore.FileMode) (restore.Plan, error) {
	if err := validation.Path(path); err != nil {
		return restore.Plan{}, err
	}
	v, err := s.history.Find(path, d)
	if err != nil {
		return restore.Plan{}, err
	}
	return restore.Plan{Actions: []restore.Action{restore.WriteFile{
		Path:     path,
		Mode:     mode,
		Expected: v.Digest,
		Source:   v.Digest,
		Bytes:    v.Size,
	}}}, nil
}

// Branches lists branched proposals, oldest first.
func (s *Store) Branches() ([]branch.Branch, error) {
	return s.branches.List()
}

func (s *Store) Branch(name string) (branch.Branch, error) {
	return s.branches.Get(name)
}

// DeleteBranch drops a branch. Its content becomes collectable unless
// something else refers to it.
func (s *Store) DeleteBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branches.Delete(name)
}

// PlanRestoreBranch builds a plan writing a branch's content over its path.
func (s *Store) PlanRestoreBranch(name string, mode restore.FileMode) (restore.Plan, error) {
	b, err := s.branches.Get(name)
	if err != nil {
		return restore.Plan{}, err
	}
	size, err := s.objectSize(b.Digest)
	if err != nil {
		return restore.Plan{}, fmt.Errorf("sizing branch %s: %w", name, err)
	}
	return restore.Plan{Actions: []restore.Action{restore.WriteFile{
		Path:     b.Path,
		Mode:     mode,
		Expected: b.Digest,
		Source:   b.Digest,
		Bytes:    size,
	}}}, nil
}

func (s *Store) Restore(ctx context.Context, sessionID string, plan restore.Plan) (*restore.Result, error) {
	res, err := s.restorer.RestoreFromPlan(ctx, plan)
	s.recorder.RecordRestore(sessionID, res, err)
	return res, err
}

// ConflictDiff compares the content a conflict's current state holds with
// the proposal that lost.
func (s *Store) ConflictDiff(ctx context.Context, info concurrency.ConflictInfo) (*diff.Result, error) {
	current, err := s.Load(ctx, info.CurrentDigest)
	if err != nil {
		return nil, fmt.Errorf("loading current content: %w", err)
	}
	proposed, err := s.Load(ctx, info.ProposedDigest)
	if err != nil {
		return nil, fmt.Errorf("loading proposed content: %w", err)
	}
	return s.differ.Diff(current, proposed)
}

// GC collects loose objects. Roots are every recorded state, history
// version and branch, plus every digest a journaled conflict refers to.
func (s *Store) GC(ctx context.Context) (*gc.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var roots []digest.Digest
	for _, d := range s.changes.FileStates() {
		roots = append(roots, d)
	}
	for _, control := range s.changes.PendingChanges() {
		if control.Precondition != nil {
			roots = append(roots, *control.Precondition)
		}
	}
	conflicts, err := s.journal.List()
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	for _, c := range conflicts {
		roots = append(roots, c.BaseDigest, c.CurrentDigest, c.ProposedDigest)
	}
	versions, err := s.history.Digests()
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	roots = append(roots, versions...)
	branched, err := s.branches.Digests()
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	roots = append(roots, branched...)

	res, err := s.collector.Run(ctx, roots)
	s.recorder.RecordGC(res)
	return res, err
}

// Scheduler returns a scheduler that runs GC on this store.
func (s *Store) Scheduler(interval time.Duration) *gc.Scheduler {
	return gc.NewScheduler(interval, s.GC)
}

type Stats struct {
	Changes      concurrency.Stats `json:"changes"`
	Packs        pack.Stats        `json:"packs"`
	Restore      restore.Stats     `json:"restore"`
	GC           gc.Stats          `json:"gc"`
	LooseObjects int               `json:"loose_objects"`
	Conflicts    int               `json:"conflicts"`
	Branches     int               `json:"branches"`
}

func (s *Store) Stats() (Stats, error) {
	loose, err := s.safe.List()
	if err != nil {
		return Stats{}, fmt.Errorf("listing loose objects: %w", err)
	}
	conflicts, err := s.journal.List()
	if err != nil {
		return Stats{}, fmt.Errorf("listing conflicts: %w", err)
	}
	branches, err := s.branches.List()
	if err != nil {
		return Stats{}, fmt.Errorf("listing branches: %w", err)
	}
	return Stats{
		Changes:      s.changes.Stats(),
		Packs:        s.packs.Stats(),
		Restore:      s.restorer.Stats(),
		GC:           s.collector.Stats(),
		LooseObjects: len(loose),
		Conflicts:    len(conflicts),
		Branches:     len(branches),
	}, nil
}
