// internal/concurrency/guarded.go
package concurrency

import (
	"sync"
	"time"

	"recovery/internal/digest"
)

// Guarded serializes access to a Manager so it can be shared between
// goroutines.
type Guarded struct {
	mu sync.Mutex
	m  *Manager
}

func NewGuarded(m *Manager) *Guarded {
	return &Guarded{m: m}
}

func (g *Guarded) RecordChange(path string, newDigest digest.Digest, precondition *digest.Digest, source ChangeSource, sessionID, agentID string) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.RecordChange(path, newDigest, precondition, source, sessionID, agentID)
}

func (g *Guarded) CommitChange(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.CommitChange(path)
}

func (g *Guarded) RollbackChange(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.RollbackChange(path)
}

func (g *Guarded) ResolveConflict(path string, info ConflictInfo, strategy Resolution) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.ResolveConflict(path, info, strategy)
}

func (g *Guarded) ExpirePending(now time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.ExpirePending(now)
}

func (g *Guarded) FileState(path string) (digest.Digest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.FileState(path)
}

func (g *Guarded) FileStates() map[string]digest.Digest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.FileStates()
}

func (g *Guarded) SeedState(path string, d digest.Digest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m.SeedState(path, d)
}

func (g *Guarded) PendingChanges() map[string]Control {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.PendingChanges()
}

func (g *Guarded) ConflictHistory() []ConflictInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.ConflictHistory()
}

func (g *Guarded) ClearConflictHistory() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m.ClearConflictHistory()
}

func (g *Guarded) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.Stats()
}
