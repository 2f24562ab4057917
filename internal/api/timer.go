package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/strand/internal/model"
	"github.com/seantiz/strand/internal/store"
	"github.com/seantiz/strand/internal/timerd"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createTimerRequest is the JSON body for POST /v1/timers. DelayMS is a
// pointer so that an absent field is distinguishable from an explicit zero.
type createTimerRequest struct {
	Tag     string `json:"tag"`
	Note    string `json:"note"`
	DelayMS *int64 `json:"delay_ms"`
}

// listTimersResponse wraps the paginated list response.
type listTimersResponse struct {
	Timers []*model.Timer `json:"timers"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (s *Server) handleCreateTimer(w http.ResponseWriter, r *http.Request) {
	var req createTimerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Tag == "" {
		s.writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	if req.DelayMS == nil {
		s.writeError(w, http.StatusBadRequest, "delay_ms is required")
		return
	}
	if *req.DelayMS < 0 {
		s.writeError(w, http.StatusBadRequest, "delay_ms must be >= 0")
		return
	}

	tm, err := s.engine.Schedule(r.Context(), req.Tag, req.Note, time.Duration(*req.DelayMS)*time.Millisecond)
	if errors.Is(err, timerd.ErrShuttingDown) {
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	}
	if err != nil {
		s.logger.Error("schedule timer", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to schedule timer")
		return
	}

	s.writeJSON(w, http.StatusCreated, tm)
}

func (s *Server) handleGetTimer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tm, err := s.store.GetTimer(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "timer not found")
		return
	}
	if err != nil {
		s.logger.Error("get timer", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get timer")
		return
	}

	s.writeJSON(w, http.StatusOK, tm)
}

func (s *Server) handleListTimers(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	status := r.URL.Query().Get("status")
	switch status {
	case "", model.StatusScheduled, model.StatusFired, model.StatusCancelled:
	default:
		s.writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	timers, total, err := s.store.ListTimers(r.Context(), tag, status, limit, offset)
	if err != nil {
		s.logger.Error("list timers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list timers")
		return
	}

	if timers == nil {
		timers = []*model.Timer{}
	}

	s.writeJSON(w, http.StatusOK, listTimersResponse{
		Timers: timers,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelTimer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tm, err := s.engine.CancelTimer(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "timer not found")
		return
	case errors.Is(err, timerd.ErrAlreadySettled):
		s.writeError(w, http.StatusConflict, "timer already fired or cancelled")
		return
	case errors.Is(err, timerd.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	case err != nil:
		s.logger.Error("cancel timer", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel timer")
		return
	}

	s.writeJSON(w, http.StatusOK, tm)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
