package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"recovery/internal/logging"
)

func observed() (*logging.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return &logging.Logger{Logger: zap.New(core)}, logs
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mark("outer"), mark("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRequestIDAndLogger(t *testing.T) {
	logger, logs := observed()
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.SessionFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}), RequestID, Logger(logger))

	t.Run("Generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

		id := rec.Header().Get(RequestIDHeader)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, seen)

		entries := logs.TakeAll()
		if assert.Len(t, entries, 1) {
			fields := entries[0].ContextMap()
			assert.Equal(t, id, fields["session_id"])
			assert.Equal(t, int64(http.StatusTeapot), fields["status"])
			assert.Equal(t, "/api/stats", fields["path"])
		}
	})

	t.Run("Propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
		assert.Equal(t, "abc", seen)
	})
}

func TestRecover(t *testing.T) {
	logger, logs := observed()
	h := Recover(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}
