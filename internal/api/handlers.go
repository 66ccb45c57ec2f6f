// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"recovery/internal/concurrency"
	"recovery/internal/diff"
	rerrors "recovery/internal/errors"
	"recovery/internal/store"
	"recovery/internal/validation"
)

// Backend is the part of the store the HTTP surface needs.
type Backend interface {
	Stats() (store.Stats, error)
	Conflicts() ([]concurrency.ConflictInfo, error)
	Conflict(id string) (concurrency.ConflictInfo, error)
	ConflictDiff(ctx context.Context, info concurrency.ConflictInfo) (*diff.Result, error)
	Resolve(path string, info concurrency.ConflictInfo, strategy concurrency.Resolution) (concurrency.Result, error)
}

type Handler struct {
	backend Backend
}

func NewHandler(backend Backend) *Handler {
	return &Handler{backend: backend}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/conflicts", h.ListConflicts)
	mux.HandleFunc("GET /api/conflicts/{id}", h.GetConflict)
	mux.HandleFunc("GET /api/conflicts/{id}/diff", h.ConflictDiff)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", h.ResolveConflict)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps typed errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch rerrors.TypeOf(err) {
	case rerrors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case rerrors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case rerrors.ErrorTypeCapacity:
		status = http.StatusServiceUnavailable
	case rerrors.ErrorTypeConflict:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.backend.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.backend.Conflicts()
	if err != nil {
		writeError(w, err)
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		filtered := conflicts[:0]
		for _, c := range conflicts {
			if c.Path == path {
				filtered = append(filtered, c)
			}
		}
		conflicts = filtered
	}
	if conflicts == nil {
		conflicts = []concurrency.ConflictInfo{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	info, err := h.backend.Conflict(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) ConflictDiff(w http.ResponseWriter, r *http.Request) {
	info, err := h.backend.Conflict(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.backend.ConflictDiff(r.Context(), info)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
	w.Write([]byte(result.Format()))
}

// ResolveRequest is the body of POST /api/conflicts/{id}/resolve.
type ResolveRequest struct {
	Strategy string `json:"strategy"`

	strategy concurrency.Resolution
}

func (r *ResolveRequest) Validate() error {
	strategy, err := concurrency.ParseResolution(r.Strategy)
	if err != nil {
		return rerrors.Validation("resolve_conflict", err.Error())
	}
	r.strategy = strategy
	return nil
}

// ResolveResponse reports the outcome of a resolution. Result is the
// ResultKind name.
type ResolveResponse struct {
	Result   string                    `json:"result"`
	Branch   string                    `json:"branch,omitempty"`
	Degraded bool                      `json:"degraded,omitempty"`
	Conflict *concurrency.ConflictInfo `json:"conflict,omitempty"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeRequest[ResolveRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}

	info, err := h.backend.Conflict(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.backend.Resolve(info.Path, info, req.strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		Result:   res.Kind.String(),
		Branch:   res.Branch,
		Degraded: res.Degraded,
		Conflict: res.Conflict,
	})
}
