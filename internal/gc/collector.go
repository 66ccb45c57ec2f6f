// internal/gc/collector.go
package gc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"recovery/internal/digest"
	"recovery/internal/pack"
	"recovery/internal/safe"
)

// Objects is the loose object store the collector sweeps.
type Objects interface {
	List() ([]safe.Meta, error)
	Get(d digest.Digest) ([]byte, error)
	Remove(d digest.Digest) (int64, error)
}

// Packer receives cold objects. Sync must make every object added so far
// durable; loose copies are only dropped after it returns.
type Packer interface {
	AddObject(d digest.Digest, data []byte, t pack.ObjectType) (string, error)
	Sync() error
}

type Config struct {
	GracePeriod        time.Duration
	MaxObjectsPerCycle int
	EnablePacking      bool
	// PackThreshold is the age after which a reachable loose object moves
	// into a pack.
	PackThreshold time.Duration
	DryRun        bool
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:        24 * time.Hour,
		MaxObjectsPerCycle: 10000,
		EnablePacking:      true,
		PackThreshold:      24 * time.Hour,
	}
}

type Result struct {
	Reachable   int           `json:"reachable"`
	Unreachable int           `json:"unreachable"`
	GracePeriod int           `json:"grace_period"`
	Swept       int           `json:"swept"`
	Packed      int           `json:"packed"`
	BytesFreed  int64         `json:"bytes_freed"`
	Duration    time.Duration `json:"duration"`
	DryRun      bool          `json:"dry_run"`
}

type Stats struct {
	Cycles     int       `json:"cycles"`
	Processed  int       `json:"processed"`
	Swept      int       `json:"swept"`
	Packed     int       `json:"packed"`
	BytesFreed int64     `json:"bytes_freed"`
	LastRun    time.Time `json:"last_run"`
}

// Collector reclaims loose objects nothing refers to once they have been
// unreachable for the grace period, and moves old reachable ones into packs.
type Collector struct {
	mu        sync.Mutex
	config    Config
	objects   Objects
	packer    Packer
	grace     Tracker
	protected map[digest.Digest]struct{}
	stats     Stats
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Collector)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracker persists grace period sightings across runs.
func WithTracker(t Tracker) Option {
	return func(c *Collector) { c.grace = t }
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func New(config Config, objects Objects, packer Packer, opts ...Option) *Collector {
	c := &Collector{
		config:    config,
		objects:   objects,
		packer:    packer,
		grace:     NewMemoryTracker(),
		protected: make(map[digest.Digest]struct{}),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Protect keeps d from being swept even when unreachable.
func (c *Collector) Protect(d digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protected[d] = struct{}{}
}

func (c *Collector) Unprotect(d digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.protected, d)
}

// Run performs one mark, sweep and pack cycle. Objects are leaves, so the
// reachable set is exactly roots.
func (c *Collector) Run(ctx context.Context, roots []digest.Digest) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	reachable := make(map[digest.Digest]struct{}, len(roots))
	for _, d := range roots {
		reachable[d] = struct{}{}
	}

	metas, err := c.objects.List()
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	sort.Slice(metas, func(a, b int) bool {
		return metas[a].CreatedAt.Before(metas[b].CreatedAt)
	})
	if limit := c.config.MaxObjectsPerCycle; limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}

	result := &Result{Reachable: len(reachable), DryRun: c.config.DryRun}
	var packed []safe.Meta
	for _, meta := range metas {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		_, live := reachable[meta.Digest]
		_, pinned := c.protected[meta.Digest]
		if live || pinned {
			if err := c.grace.Clear(meta.Digest); err != nil {
				return result, err
			}
			ok, err := c.maybePack(meta, start, result)
			if err != nil {
				return result, err
			}
			if ok {
				packed = append(packed, meta)
			}
			continue
		}

		result.Unreachable++
		if err := c.sweep(meta, start, result); err != nil {
			return result, err
		}
	}
	if err := c.dropPacked(packed, result); err != nil {
		return result, err
	}

	result.Duration = c.now().Sub(start)
	c.stats.Cycles++
	c.stats.Processed += len(metas)
	c.stats.Swept += result.Swept
	c.stats.Packed += result.Packed
	c.stats.BytesFreed += result.BytesFreed
	c.stats.LastRun = start

	c.logger.Info("gc cycle finished",
		zap.Int("reachable", result.Reachable),
		zap.Int("unreachable", result.Unreachable),
		zap.Int("grace", result.GracePeriod),
		zap.Int("swept", result.Swept),
		zap.Int("packed", result.Packed),
		zap.Int64("bytes_freed", result.BytesFreed),
		zap.Bool("dry_run", result.DryRun))
	return result, nil
}

// maybePack copies a cold reachable object into a pack. It reports whether
// the loose copy may be dropped once the packs are synced.
func (c *Collector) maybePack(meta safe.Meta, now time.Time, result *Result) (bool, error) {
	if !c.config.EnablePacking || c.packer == nil || now.Sub(meta.CreatedAt) <= c.config.PackThreshold {
		return false, nil
	}
	result.Packed++
	if c.config.DryRun {
		return false, nil
	}

	data, err := c.objects.Get(meta.Digest)
	if err != nil {
		return false, fmt.Errorf("reading %s for packing: %w", meta.Digest.Short(), err)
	}
	if _, err := c.packer.AddObject(meta.Digest, data, pack.Blob); err != nil {
		return false, fmt.Errorf("packing %s: %w", meta.Digest.Short(), err)
	}
	return true, nil
}

func (c *Collector) dropPacked(packed []safe.Meta, result *Result) error {
	if len(packed) == 0 {
		return nil
	}
	if err := c.packer.Sync(); err != nil {
		return fmt.Errorf("syncing packs: %w", err)
	}
	for _, meta := range packed {
		freed, err := c.objects.Remove(meta.Digest)
		if err != nil {
			return fmt.Errorf("dropping packed loose object %s: %w", meta.Digest.Short(), err)
		}
		result.BytesFreed += freed
		c.logger.Debug("packed cold object", zap.String("digest", meta.Digest.Short()))
	}
	return nil
}

func (c *Collector) sweep(meta safe.Meta, now time.Time, result *Result) error {
	first, seen, err := c.grace.First(meta.Digest)
	if err != nil {
		return err
	}
	if !seen {
		result.GracePeriod++
		if c.config.DryRun {
			return nil
		}
		return c.grace.Mark(meta.Digest, now)
	}
	if now.Sub(first) < c.config.GracePeriod {
		result.GracePeriod++
		return nil
	}

	result.Swept++
	if c.config.DryRun {
		result.BytesFreed += meta.StoredSize
		return nil
	}
	freed, err := c.objects.Remove(meta.Digest)
	if err != nil {
		return fmt.Errorf("sweeping %s: %w", meta.Digest.Short(), err)
	}
	result.BytesFreed += freed
	c.logger.Debug("swept object", zap.String("digest", meta.Digest.Short()))
	return c.grace.Clear(meta.Digest)
}

func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Collector) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

// Scheduler runs a collection at most once per interval.
type Scheduler struct {
	mu       sync.Mutex
	run      func(ctx context.Context) (*Result, error)
	interval time.Duration
	last     time.Time
}

func NewScheduler(interval time.Duration, run func(ctx context.Context) (*Result, error)) *Scheduler {
	return &Scheduler{run: run, interval: interval}
}

func (s *Scheduler) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due(now)
}

func (s *Scheduler) due(now time.Time) bool {
	return s.last.IsZero() || now.Sub(s.last) >= s.interval
}

// RunIfDue returns a nil result when the interval has not elapsed. A failed
// run does not reset the interval.
func (s *Scheduler) RunIfDue(ctx context.Context, now time.Time) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.due(now) {
		return nil, nil
	}
	res, err := s.run(ctx)
	if err != nil {
		return res, err
	}
	s.last = now
	return res, nil
}
