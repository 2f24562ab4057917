package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/strand/internal/timerd"
)

// tagStatusResponse is the JSON response for GET /v1/tags/{tag}.
type tagStatusResponse struct {
	Tag       string `json:"tag"`
	Scheduled bool   `json:"scheduled"`
}

// cancelTagResponse is the JSON response for DELETE /v1/tags/{tag}.
type cancelTagResponse struct {
	Tag       string `json:"tag"`
	Cancelled int    `json:"cancelled"`
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	s.writeJSON(w, http.StatusOK, tagStatusResponse{
		Tag:       tag,
		Scheduled: s.engine.IsScheduled(tag),
	})
}

func (s *Server) handleCancelTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")

	n, err := s.engine.CancelTag(r.Context(), tag)
	if errors.Is(err, timerd.ErrShuttingDown) {
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	}
	if err != nil {
		s.logger.Error("cancel tag", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel tag")
		return
	}

	s.writeJSON(w, http.StatusOK, cancelTagResponse{Tag: tag, Cancelled: n})
}
