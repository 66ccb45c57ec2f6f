package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recovery/internal/api"
	"recovery/internal/concurrency"
	"recovery/internal/diff"
	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
	"recovery/internal/store"
)

type fakeBackend struct {
	info     concurrency.ConflictInfo
	current  []byte
	proposed []byte
	resolved []concurrency.Resolution
}

func (f *fakeBackend) Stats() (store.Stats, error) {
	return store.Stats{Conflicts: 1, LooseObjects: 1}, nil
}

func (f *fakeBackend) Conflicts() ([]concurrency.ConflictInfo, error) {
	return []concurrency.ConflictInfo{f.info}, nil
}

func (f *fakeBackend) Conflict(id string) (concurrency.ConflictInfo, error) {
	if id != f.info.ID {
		return concurrency.ConflictInfo{}, rerrors.NotFound("get_conflict", id, "conflict not found")
	}
	return f.info, nil
}

func (f *fakeBackend) ConflictDiff(ctx context.Context, info concurrency.ConflictInfo) (*diff.Result, error) {
	return diff.NewEngine(3).Diff(f.current, f.proposed)
}

func (f *fakeBackend) Resolve(path string, info concurrency.ConflictInfo, strategy concurrency.Resolution) (concurrency.Result, error) {
	f.resolved = append(f.resolved, strategy)
	return concurrency.Result{Kind: concurrency.Rejected}, nil
}

func setupServer(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{
		current:  []byte("a\nb\n"),
		proposed: []byte("a\nc\n"),
	}
	backend.info = concurrency.ConflictInfo{
		ID:             "c1",
		Path:           "main.go",
		Class:          concurrency.HumanVsAgent,
		CurrentDigest:  digest.FromBytes(backend.current),
		ProposedDigest: digest.FromBytes(backend.proposed),
		Timestamp:      time.Unix(1700000000, 0).UTC(),
	}

	mux := http.NewServeMux()
	api.NewHandler(backend).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(srv.URL + "/"), backend
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	c, backend := setupServer(t)

	t.Run("Health", func(t *testing.T) {
		assert.NoError(t, c.Health(ctx))
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Conflicts)
	})

	t.Run("Conflicts", func(t *testing.T) {
		conflicts, err := c.Conflicts(ctx, "")
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, backend.info, conflicts[0])

		conflicts, err = c.Conflicts(ctx, "other.go")
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	})

	t.Run("Conflict", func(t *testing.T) {
		info, err := c.Conflict(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, concurrency.HumanVsAgent, info.Class)

		_, err = c.Conflict(ctx, "missing")
		assert.True(t, rerrors.Is(err, rerrors.ErrorTypeNotFound))
	})

	t.Run("Diff", func(t *testing.T) {
		out, err := c.Diff(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "@@ -1,2 +1,2 @@\n a\n-b\n+c\n", out)
	})

	t.Run("Resolve", func(t *testing.T) {
		res, err := c.Resolve(ctx, "c1", concurrency.Reject)
		require.NoError(t, err)
		assert.Equal(t, "rejected", res.Result)
		assert.Equal(t, []concurrency.Resolution{concurrency.Reject}, backend.resolved)
	})
}

func TestClientRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithAttempts(3))
	require.NoError(t, c.Health(context.Background()))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(-10)
	err := New(srv.URL, WithAttempts(2)).Health(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "busy", se.Message)
}
