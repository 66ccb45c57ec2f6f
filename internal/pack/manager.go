// internal/pack/manager.go
package pack

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"recovery/internal/compress"
	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
)

const (
	packExt  = ".pack"
	indexExt = ".idx"
)

type Config struct {
	MaxObjectsPerPack int
	MaxPackSize       uint64
	EnableCompression bool
	CompressionLevel  int
	Prefix            string
	// CacheSize bounds the number of sealed packs kept open for reading.
	CacheSize int
}

func DefaultConfig() Config {
	return Config{
		MaxObjectsPerPack: 10000,
		MaxPackSize:       1 << 30,
		EnableCompression: true,
		CompressionLevel:  2,
		Prefix:            "pack-",
		CacheSize:         64,
	}
}

// Stats describes the packs a manager knows. ActivePacks counts packs this
// manager created that have not been closed through ClosePack or
// CloseAllPacks; a pack sealed by rotation still counts. SealedPacks counts
// packs on disk that no longer accept writes.
type Stats struct {
	ActivePacks  int    `json:"active_packs"`
	SealedPacks  int    `json:"sealed_packs"`
	TotalObjects int    `json:"total_objects"`
	TotalSize    uint64 `json:"total_size"`
}

// Manager owns a directory of packs and their indexes. AddObject appends to
// a current pack and rotates to a fresh one when the configured limits are
// reached. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	packDir  string
	indexDir string
	config   Config
	codec    *compress.Compressor
	active   map[string]*File
	opened   map[string]struct{}
	indexes  map[string]*Index
	current  string
	readers  *lru.Cache[string, *File]
	logger   *zap.Logger
	newID    func() string
}

type ManagerOption func(*Manager)

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIDGenerator overrides pack id generation.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) { m.newID = fn }
}

// NewManager opens packDir and indexDir, creating them if needed, and loads
// every index found there.
func NewManager(packDir, indexDir string, config Config, opts ...ManagerOption) (*Manager, error) {
	if config.MaxObjectsPerPack <= 0 {
		return nil, rerrors.Validation("new_pack_manager", "max objects per pack must be positive")
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultConfig().CacheSize
	}
	for _, dir := range []string{packDir, indexDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, rerrors.IO("new_pack_manager", dir, err)
		}
	}

	m := &Manager{
		packDir:  packDir,
		indexDir: indexDir,
		config:   config,
		active:   make(map[string]*File),
		opened:   make(map[string]struct{}),
		indexes:  make(map[string]*Index),
		logger:   zap.NewNop(),
		newID:    newPackID,
	}
	for _, opt := range opts {
		opt(m)
	}

	if config.EnableCompression {
		codec, err := compress.New(compress.Options{
			MinSize: compress.DefaultOptions().MinSize,
			Level:   config.CompressionLevel,
		})
		if err != nil {
			return nil, fmt.Errorf("creating pack compressor: %w", err)
		}
		m.codec = codec
	}

	readers, err := lru.NewWithEvict(config.CacheSize, func(id string, f *File) {
		if err := f.Close(); err != nil {
			m.logger.Warn("closing evicted pack", zap.String("pack", id), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("creating pack cache: %w", err)
	}
	m.readers = readers

	if err := m.LoadIndex(); err != nil {
		return nil, err
	}
	return m, nil
}

// time ordered so ListPacks follows creation order
func newPackID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (m *Manager) packPath(id string) string {
	return filepath.Join(m.packDir, m.config.Prefix+id+packExt)
}

func (m *Manager) indexPath(id string) string {
	return filepath.Join(m.indexDir, m.config.Prefix+id+indexExt)
}

func (m *Manager) fileOptions() []FileOption {
	if m.codec == nil {
		return nil
	}
	return []FileOption{WithCompressor(m.codec)}
}

// CreatePack starts a new writable pack with the given id.
func (m *Manager) CreatePack(id string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPack(id)
}

func (m *Manager) createPack(id string) (*File, error) {
	if _, ok := m.indexes[id]; ok {
		return nil, rerrors.Validation("create_pack", fmt.Sprintf("pack %s already exists", id))
	}
	f, err := Create(m.packPath(id), m.fileOptions()...)
	if err != nil {
		return nil, err
	}
	m.active[id] = f
	m.opened[id] = struct{}{}
	m.indexes[id] = NewIndex(m.indexPath(id))
	m.logger.Debug("created pack", zap.String("pack", id))
	return f, nil
}

// Pack returns the writable pack with the given id.
func (m *Manager) Pack(id string) (*File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.active[id]
	return f, ok
}

// ClosePack seals a writable pack and persists its index.
func (m *Manager) ClosePack(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.closePack(id); err != nil {
		return err
	}
	delete(m.opened, id)
	return nil
}

func (m *Manager) closePack(id string) error {
	f, ok := m.active[id]
	if !ok {
		return rerrors.NotFound("close_pack", id, "no active pack")
	}
	delete(m.active, id)
	if m.current == id {
		m.current = ""
	}

	idx := m.indexes[id]
	// a pack written directly through its File has entries the index lacks
	for _, e := range f.Entries() {
		if _, ok := idx.FindObject(e.Digest); !ok {
			idx.AddEntry(e)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing pack %s: %w", id, err)
	}
	if err := idx.Save(); err != nil {
		return fmt.Errorf("saving index for pack %s: %w", id, err)
	}
	m.logger.Info("sealed pack",
		zap.String("pack", id),
		zap.Int("objects", idx.Len()),
		zap.Uint64("bytes", idx.TotalSize()))
	return nil
}

func (m *Manager) CloseAllPacks() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, id := range sortedKeys(m.active) {
		if err := m.closePack(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	clear(m.opened)
	m.readers.Purge()
	return firstErr
}

// AddObject stores data under d in the current pack, rotating first when it
// is full. Objects already present in any pack are not written again. The
// id of the pack holding d is returned.
func (m *Manager) AddObject(d digest.Digest, data []byte, t ObjectType) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.locate(d); ok {
		return id, nil
	}

	f, err := m.currentPack(uint64(len(data)))
	if err != nil {
		return "", err
	}
	entry, err := f.add(d, data, t)
	if err != nil {
		return "", fmt.Errorf("adding %s to pack %s: %w", d.Short(), m.current, err)
	}
	m.indexes[m.current].AddEntry(entry)
	return m.current, nil
}

func (m *Manager) currentPack(incoming uint64) (*File, error) {
	if m.current != "" {
		f := m.active[m.current]
		full := f.Len() >= m.config.MaxObjectsPerPack ||
			(m.config.MaxPackSize > 0 && f.Len() > 0 && uint64(f.Size())+incoming > m.config.MaxPackSize)
		if !full {
			return f, nil
		}
		if err := m.closePack(m.current); err != nil {
			return nil, fmt.Errorf("rotating pack: %w", err)
		}
	}

	id := m.newID()
	f, err := m.createPack(id)
	if err != nil {
		return nil, err
	}
	m.current = id
	return f, nil
}

func (m *Manager) locate(d digest.Digest) (string, bool) {
	for _, id := range sortedKeys(m.indexes) {
		if _, ok := m.indexes[id].FindObject(d); ok {
			return id, true
		}
	}
	return "", false
}

func (m *Manager) Has(d digest.Digest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locate(d)
	return ok
}

// GetObject reads d from whichever pack holds it.
func (m *Manager) GetObject(d digest.Digest) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.locate(d)
	if !ok {
		return nil, false, nil
	}
	f, err := m.reader(id)
	if err != nil {
		return nil, false, err
	}
	return f.GetObject(d)
}

func (m *Manager) reader(id string) (*File, error) {
	if f, ok := m.active[id]; ok {
		return f, nil
	}
	if f, ok := m.readers.Get(id); ok {
		return f, nil
	}
	f, err := Open(m.packPath(id), m.fileOptions()...)
	if err != nil {
		return nil, err
	}
	m.readers.Add(id, f)
	return f, nil
}

// Sync flushes every writable pack to stable storage. Objects added before
// a successful Sync survive a crash.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range sortedKeys(m.active) {
		if err := m.active[id].Sync(); err != nil {
			return err
		}
	}
	return nil
}

// OpenPack returns a new read handle for a sealed pack. The caller closes it.
func (m *Manager) OpenPack(id string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[id]; !ok {
		return nil, rerrors.NotFound("open_pack", id, "unknown pack")
	}
	if _, ok := m.active[id]; ok {
		return nil, rerrors.Validation("open_pack", fmt.Sprintf("pack %s is still open for writing", id))
	}
	return Open(m.packPath(id), m.fileOptions()...)
}

// SealedPacks lists the ids of packs that no longer accept writes.
func (m *Manager) SealedPacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range sortedKeys(m.indexes) {
		if _, ok := m.active[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Index returns the index of pack id.
func (m *Manager) Index(id string) (*Index, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[id]
	return idx, ok
}

// Objects lists every digest held by any pack.
func (m *Manager) Objects() []digest.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []digest.Digest
	for _, id := range sortedKeys(m.indexes) {
		for _, e := range m.indexes[id].entries {
			out = append(out, e.Digest)
		}
	}
	return out
}

// LoadIndex loads the index of every pack on disk. A pack without an index
// (a crash before it was sealed) or with a corrupt one is scanned and its
// index rebuilt.
func (m *Manager) LoadIndex() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := filepath.Glob(filepath.Join(m.packDir, m.config.Prefix+"*"+packExt))
	if err != nil {
		return fmt.Errorf("listing packs: %w", err)
	}
	for _, name := range names {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(name), m.config.Prefix), packExt)
		if _, ok := m.active[id]; ok {
			continue
		}

		reason := "missing"
		if _, err := os.Stat(m.indexPath(id)); err == nil {
			idx, err := LoadIndex(m.indexPath(id))
			if err == nil {
				m.indexes[id] = idx
				continue
			}
			if !rerrors.Is(err, rerrors.ErrorTypeIntegrity) {
				return err
			}
			m.logger.Warn("discarding corrupt pack index", zap.String("pack", id), zap.Error(err))
			reason = "corrupt"
		} else if !os.IsNotExist(err) {
			return rerrors.IO("load_index", m.indexPath(id), err)
		}

		f, err := Open(name, m.fileOptions()...)
		if err != nil {
			return fmt.Errorf("rebuilding index for %s: %w", id, err)
		}
		idx := NewIndex(m.indexPath(id))
		for _, e := range f.Entries() {
			idx.AddEntry(e)
		}
		f.Close()
		if err := idx.Save(); err != nil {
			return err
		}
		m.indexes[id] = idx
		m.logger.Warn("rebuilt pack index",
			zap.String("pack", id),
			zap.String("reason", reason),
			zap.Int("objects", idx.Len()))
	}
	return nil
}

// ListPacks returns pack ids in creation order.
func (m *Manager) ListPacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.indexes)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{ActivePacks: len(m.opened), SealedPacks: len(m.indexes) - len(m.active)}
	for _, idx := range m.indexes {
		s.TotalObjects += idx.Len()
		s.TotalSize += idx.TotalSize()
	}
	return s
}

func (m *Manager) Config() Config {
	return m.config
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
