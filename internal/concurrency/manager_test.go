package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
)

func ptr(d digest.Digest) *digest.Digest { return &d }

func TestRecordChange(t *testing.T) {
	d1 := digest.FromBytes([]byte("one"))
	d2 := digest.FromBytes([]byte("two"))
	d3 := digest.FromBytes([]byte("three"))
	agent := AgentIteration{Iteration: 1, AgentID: "a"}

	t.Run("HumanEditAfterAgent", func(t *testing.T) {
		m := NewManager(DefaultConfig())

		res, err := m.RecordChange("a.txt", d1, nil, agent, "s1", "a")
		require.NoError(t, err)
		assert.Equal(t, Success, res.Kind)
		require.NoError(t, m.CommitChange("a.txt"))

		res, err = m.RecordChange("a.txt", d2, ptr(d1), agent, "s1", "a")
		require.NoError(t, err)
		assert.Equal(t, Success, res.Kind)
		require.NoError(t, m.CommitChange("a.txt"))

		res, err = m.RecordChange("a.txt", d3, ptr(d1), HumanEdit{UserID: "u"}, "s2", "")
		require.NoError(t, err)
		require.Equal(t, Conflict, res.Kind)
		require.NotNil(t, res.Conflict)
		assert.Equal(t, HumanVsAgent, res.Conflict.Class)
		assert.Equal(t, d1, res.Conflict.BaseDigest)
		assert.Equal(t, d2, res.Conflict.CurrentDigest)
		assert.Equal(t, d3, res.Conflict.ProposedDigest)
		assert.Equal(t, "a.txt", res.Conflict.Path)
		assert.NotEmpty(t, res.Conflict.ID)

		state, ok := m.FileState("a.txt")
		require.True(t, ok)
		assert.Equal(t, d2, state)
		assert.Len(t, m.ConflictHistory(), 1)
	})

	t.Run("PreconditionOnUnknownPath", func(t *testing.T) {
		m := NewManager(DefaultConfig())

		res, err := m.RecordChange("new.txt", d1, ptr(d2), agent, "s1", "a")
		require.NoError(t, err)
		require.Equal(t, Conflict, res.Kind)
		assert.Equal(t, AgentVsSystem, res.Conflict.Class)
		assert.Equal(t, digest.Empty, res.Conflict.CurrentDigest)

		_, ok := m.FileState("new.txt")
		assert.False(t, ok)
	})

	t.Run("Capacity", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxPendingChanges = 2
		m := NewManager(cfg)

		_, err := m.RecordChange("a", d1, nil, agent, "s", "a")
		require.NoError(t, err)
		_, err = m.RecordChange("b", d1, nil, agent, "s", "a")
		require.NoError(t, err)

		_, err = m.RecordChange("c", d1, nil, agent, "s", "a")
		require.Error(t, err)
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeCapacity))
		_, ok := m.FileState("c")
		assert.False(t, ok)
	})

	t.Run("NoLogging", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LogConflicts = false
		m := NewManager(cfg)

		res, err := m.RecordChange("a", d1, ptr(d2), SystemRecovery{}, "s", "")
		require.NoError(t, err)
		assert.Equal(t, SystemVsSystem, res.Conflict.Class)
		assert.Empty(t, m.ConflictHistory())
	})

	t.Run("HistoryCap", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxConflictHistory = 2
		m := NewManager(cfg)
		for i := 0; i < 5; i++ {
			_, err := m.RecordChange("a", d1, ptr(d2), CawsValidation{}, "s", "")
			require.NoError(t, err)
		}
		assert.Len(t, m.ConflictHistory(), 2)
	})
}

func TestRollbackChange(t *testing.T) {
	d1 := digest.FromBytes([]byte("one"))
	d2 := digest.FromBytes([]byte("two"))
	src := AgentIteration{Iteration: 3, AgentID: "a"}

	t.Run("RestoresPrecondition", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		m.SeedState("f", d1)

		_, err := m.RecordChange("f", d2, ptr(d1), src, "s", "a")
		require.NoError(t, err)
		require.NoError(t, m.RollbackChange("f"))

		state, ok := m.FileState("f")
		require.True(t, ok)
		assert.Equal(t, d1, state)
		assert.Empty(t, m.PendingChanges())
	})

	t.Run("ForgetsNewPath", func(t *testing.T) {
		m := NewManager(DefaultConfig())

		_, err := m.RecordChange("f", d2, nil, src, "s", "a")
		require.NoError(t, err)
		require.NoError(t, m.RollbackChange("f"))

		_, ok := m.FileState("f")
		assert.False(t, ok)
	})

	t.Run("NoPending", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		err := m.RollbackChange("missing")
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeNotFound))
		err = m.CommitChange("missing")
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeNotFound))
	})
}

func TestResolveConflict(t *testing.T) {
	base := digest.FromBytes([]byte("base"))
	current := digest.FromBytes([]byte("current"))
	ts := time.Unix(1700000000, 0)
	info := ConflictInfo{
		Path:          "src/main.rs",
		Class:         AgentVsAgent,
		BaseDigest:    base,
		CurrentDigest: current,
		Timestamp:     ts,
	}

	t.Run("AutoMergeDegrades", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		res, err := m.ResolveConflict(info.Path, info, AutoMerge)
		require.NoError(t, err)
		assert.Equal(t, Conflict, res.Kind)
		assert.True(t, res.Degraded)
		assert.Equal(t, info, *res.Conflict)
	})

	t.Run("Manual", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		res, err := m.ResolveConflict(info.Path, info, Manual)
		require.NoError(t, err)
		assert.Equal(t, Conflict, res.Kind)
		assert.False(t, res.Degraded)
	})

	t.Run("Reject", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		res, err := m.ResolveConflict(info.Path, info, Reject)
		require.NoError(t, err)
		assert.Equal(t, Rejected, res.Kind)
	})

	t.Run("Branch", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		res, err := m.ResolveConflict(info.Path, info, Branch)
		require.NoError(t, err)
		assert.Equal(t, Branched, res.Kind)
		assert.Equal(t, "conflict-src-main.rs-1700000000", res.Branch)
	})

	t.Run("UseNewer", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		res, err := m.ResolveConflict(info.Path, info, UseNewer)
		require.NoError(t, err)
		assert.Equal(t, Success, res.Kind)
		state, _ := m.FileState(info.Path)
		assert.Equal(t, current, state)
	})

	t.Run("UseOlder", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		res, err := m.ResolveConflict(info.Path, info, UseOlder)
		require.NoError(t, err)
		assert.Equal(t, Success, res.Kind)
		state, _ := m.FileState(info.Path)
		assert.Equal(t, base, state)
	})

	t.Run("Unknown", func(t *testing.T) {
		m := NewManager(DefaultConfig())
		_, err := m.ResolveConflict(info.Path, info, Resolution(42))
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeValidation))
	})
}

func TestExpirePending(t *testing.T) {
	start := time.Unix(1700000000, 0)
	now := start
	m := NewManager(DefaultConfig(), WithClock(func() time.Time { return now }))

	d := digest.FromBytes([]byte("x"))
	_, err := m.RecordChange("old", d, nil, SystemRecovery{}, "s", "")
	require.NoError(t, err)

	now = start.Add(4 * time.Minute)
	_, err = m.RecordChange("fresh", d, nil, SystemRecovery{}, "s", "")
	require.NoError(t, err)

	expired := m.ExpirePending(start.Add(6 * time.Minute))
	assert.Equal(t, []string{"old"}, expired)
	_, ok := m.FileState("old")
	assert.False(t, ok)
	assert.Contains(t, m.PendingChanges(), "fresh")
}

func TestStats(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewManager(DefaultConfig(), WithClock(func() time.Time { return now }))
	d := digest.FromBytes([]byte("x"))

	_, err := m.RecordChange("a", d, nil, SystemRecovery{}, "s", "")
	require.NoError(t, err)
	_, err = m.RecordChange("b", d, ptr(digest.Empty), SystemRecovery{}, "s", "")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.RecordChange("c", d, ptr(digest.Empty), SystemRecovery{}, "s", "")
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 1, stats.TotalFiles)
	assert.Equal(t, 1, stats.PendingChanges)
	assert.Equal(t, 2, stats.TotalConflicts)
	assert.Equal(t, 1, stats.RecentConflicts)

	m.ClearConflictHistory()
	assert.Zero(t, m.Stats().TotalConflicts)
}

func TestConflictLogging(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewManager(DefaultConfig(), WithLogger(zap.New(core)))

	d := digest.FromBytes([]byte("x"))
	_, err := m.RecordChange("a", d, ptr(digest.Empty), HumanEdit{UserID: "u"}, "s9", "")
	require.NoError(t, err)

	entries := logs.FilterMessage("conflict detected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "s9", entries[0].ContextMap()["session_id"])
	assert.Equal(t, "human_vs_system", entries[0].ContextMap()["class"])
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("Use-Newer")
	require.NoError(t, err)
	assert.Equal(t, UseNewer, r)

	_, err = ParseResolution("coin_flip")
	assert.Error(t, err)
}
