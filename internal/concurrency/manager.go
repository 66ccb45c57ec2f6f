// internal/concurrency/manager.go
package concurrency

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
)

type Config struct {
	MaxPendingChanges int
	ConflictTimeout   time.Duration
	DefaultResolution Resolution
	AutoResolve       bool
	LogConflicts      bool
	// MaxConflictHistory caps the in-memory history; 0 keeps everything.
	MaxConflictHistory int
}

func DefaultConfig() Config {
	return Config{
		MaxPendingChanges: 1000,
		ConflictTimeout:   5 * time.Minute,
		DefaultResolution: Manual,
		LogConflicts:      true,
	}
}

// Manager tracks the last known digest of every path and arbitrates changes
// against caller supplied preconditions. It is not safe for concurrent use;
// see Guarded.
type Manager struct {
	config  Config
	states  map[string]digest.Digest
	pending map[string]Control
	history []ConflictInfo
	journal *Journal
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithJournal also persists every logged conflict.
func WithJournal(j *Journal) Option {
	return func(m *Manager) { m.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(config Config, opts ...Option) *Manager {
	m := &Manager{
		config:  config,
		states:  make(map[string]digest.Digest),
		pending: make(map[string]Control),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config {
	return m.config
}

// RecordChange records newDigest as the state of path when precondition
// matches the current state. A nil precondition always succeeds.
func (m *Manager) RecordChange(path string, newDigest digest.Digest, precondition *digest.Digest, source ChangeSource, sessionID, agentID string) (Result, error) {
	if len(m.pending) >= m.config.MaxPendingChanges {
		return Result{}, rerrors.Capacity("record_change",
			fmt.Sprintf("too many pending changes (%d)", m.config.MaxPendingChanges))
	}

	current, known := m.states[path]
	if precondition != nil && (!known || current != *precondition) {
		if !known {
			current = digest.Empty
		}
		info := ConflictInfo{
			ID:                 uuid.NewString(),
			Path:               path,
			Class:              ClassifyConflict(source, known),
			BaseDigest:         *precondition,
			CurrentDigest:      current,
			ProposedDigest:     newDigest,
			Timestamp:          m.now(),
			ConflictingSession: sessionID,
			ResolutionStrategy: m.config.DefaultResolution,
		}
		if m.config.LogConflicts {
			m.logConflict(info)
		}
		return Result{Kind: Conflict, Conflict: &info}, nil
	}

	var pre *digest.Digest
	if precondition != nil {
		p := *precondition
		pre = &p
	}
	m.pending[path] = Control{
		Precondition: pre,
		Source:       source,
		Timestamp:    m.now(),
		SessionID:    sessionID,
		AgentID:      agentID,
	}
	m.states[path] = newDigest

	return Result{Kind: Success}, nil
}

func (m *Manager) logConflict(info ConflictInfo) {
	m.history = append(m.history, info)
	if limit := m.config.MaxConflictHistory; limit > 0 && len(m.history) > limit {
		m.history = append(m.history[:0:0], m.history[len(m.history)-limit:]...)
	}

	m.logger.Warn("conflict detected",
		zap.String("path", info.Path),
		zap.Stringer("class", info.Class),
		zap.String("base", info.BaseDigest.Short()),
		zap.String("current", info.CurrentDigest.Short()),
		zap.String("session_id", info.ConflictingSession))

	if m.journal != nil {
		if err := m.journal.Append(info); err != nil {
			m.logger.Error("failed to journal conflict", zap.String("id", info.ID), zap.Error(err))
		}
	}
}

func (m *Manager) CommitChange(path string) error {
	if _, ok := m.pending[path]; !ok {
		return rerrors.NotFound("commit_change", path, "no pending change")
	}
	delete(m.pending, path)
	return nil
}

// RollbackChange drops the pending change and restores the precondition
// digest, or forgets the path when the change had none.
func (m *Manager) RollbackChange(path string) error {
	control, ok := m.pending[path]
	if !ok {
		return rerrors.NotFound("rollback_change", path, "no pending change")
	}
	delete(m.pending, path)
	if control.Precondition != nil {
		m.states[path] = *control.Precondition
	} else {
		delete(m.states, path)
	}
	return nil
}

func (m *Manager) ResolveConflict(path string, info ConflictInfo, strategy Resolution) (Result, error) {
	switch strategy {
	case AutoMerge:
		// no merge engine; hand back to the caller as Manual
		m.logger.Debug("auto merge unavailable, resolving manually", zap.String("path", path))
		c := info
		return Result{Kind: Conflict, Conflict: &c, Degraded: true}, nil
	case Manual:
		c := info
		return Result{Kind: Conflict, Conflict: &c}, nil
	case Reject:
		return Result{Kind: Rejected}, nil
	case Branch:
		name := fmt.Sprintf("conflict-%s-%d", strings.ReplaceAll(path, "/", "-"), info.Timestamp.Unix())
		return Result{Kind: Branched, Branch: name}, nil
	case UseNewer:
		m.states[path] = info.CurrentDigest
		return Result{Kind: Success}, nil
	case UseOlder:
		m.states[path] = info.BaseDigest
		return Result{Kind: Success}, nil
	default:
		return Result{}, rerrors.Validation("resolve_conflict", fmt.Sprintf("unknown strategy %v", strategy))
	}
}

// ExpirePending rolls back pending changes older than ConflictTimeout and
// returns their paths in sorted order.
func (m *Manager) ExpirePending(now time.Time) []string {
	if m.config.ConflictTimeout <= 0 {
		return nil
	}
	var expired []string
	for path, control := range m.pending {
		if now.Sub(control.Timestamp) > m.config.ConflictTimeout {
			expired = append(expired, path)
		}
	}
	sort.Strings(expired)
	for _, path := range expired {
		_ = m.RollbackChange(path)
		m.logger.Info("expired pending change", zap.String("path", path))
	}
	return expired
}

func (m *Manager) FileState(path string) (digest.Digest, bool) {
	d, ok := m.states[path]
	return d, ok
}

// FileStates returns a copy of the state table.
func (m *Manager) FileStates() map[string]digest.Digest {
	out := make(map[string]digest.Digest, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// SeedState sets the known digest of path without a pending marker. Used
// when rebuilding the table from persisted objects.
func (m *Manager) SeedState(path string, d digest.Digest) {
	m.states[path] = d
}

func (m *Manager) PendingChanges() map[string]Control {
	out := make(map[string]Control, len(m.pending))
	for k, v := range m.pending {
		out[k] = v
	}
	return out
}

func (m *Manager) ConflictHistory() []ConflictInfo {
	out := make([]ConflictInfo, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) ClearConflictHistory() {
	m.history = nil
}

func (m *Manager) Stats() Stats {
	now := m.now()
	recent := 0
	for _, c := range m.history {
		if now.Sub(c.Timestamp) < time.Hour {
			recent++
		}
	}
	return Stats{
		TotalFiles:      len(m.states),
		PendingChanges:  len(m.pending),
		TotalConflicts:  len(m.history),
		RecentConflicts: recent,
	}
}

// ClassifyConflict derives the conflict class from the incoming source and
// whether the path already had a recorded digest.
func ClassifyConflict(source ChangeSource, hasCurrent bool) ConflictClass {
	switch source.(type) {
	case AgentIteration:
		if hasCurrent {
			return AgentVsAgent
		}
		return AgentVsSystem
	case HumanEdit:
		if hasCurrent {
			return HumanVsAgent
		}
		return HumanVsSystem
	case CawsValidation:
		return ValidationVsSystem
	default:
		return SystemVsSystem
	}
}
