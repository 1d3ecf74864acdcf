// Package api serves stored transcripts over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sbenjam1n/tutorsim/internal/logger"
	"github.com/sbenjam1n/tutorsim/internal/sim"
	"github.com/sbenjam1n/tutorsim/internal/store"
)

const defaultListLimit = 50

// Handler exposes a Repository read-only.
type Handler struct {
	repo store.Repository
	log  *logger.Logger
}

// NewHandler creates a handler over repo.
func NewHandler(repo store.Repository, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{repo: repo, log: log}
}

// Router builds the HTTP routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers run routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.ListRuns)
		r.Get("/{runID}", h.GetRun)
		r.Get("/{runID}/turns", h.GetTurns)
	})
}

// ListRuns returns recent run summaries. ?limit= caps the count.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun returns a full transcript.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

// GetTurns returns a run's dialogue. ?role= restricts it to that role's view.
func (h *Handler) GetTurns(w http.ResponseWriter, r *http.Request) {
	role := sim.Role(r.URL.Query().Get("role"))
	if role != "" && !knownRole(role) {
		Error(w, http.StatusBadRequest, "unknown role "+strconv.Quote(string(role)))
		return
	}

	turns, err := h.repo.Turns(r.Context(), chi.URLParam(r, "runID"), role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if turns == nil {
		turns = []sim.Turn{}
	}
	JSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	h.log.Error("request failed", "path", r.URL.Path, "error", err.Error())
	Error(w, http.StatusInternalServerError, "internal error")
}

func knownRole(role sim.Role) bool {
	for _, r := range sim.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
