package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/store"
)

// listAttemptsResponse wraps the paginated attempt list for one instance.
type listAttemptsResponse struct {
	InstanceID string               `json:"instance_id"`
	Attempts   []*model.LoadAttempt `json:"attempts"`
	Total      int                  `json:"total"`
	Limit      int                  `json:"limit"`
	Offset     int                  `json:"offset"`
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := s.store.GetAttempt(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		s.logger.Error("get attempt", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get attempt")
		return
	}

	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the instance exists.
	_, err := s.store.GetInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		s.logger.Error("get instance for attempts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get instance")
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

	attempts, total, err := s.store.ListAttempts(r.Context(), id, limit, offset)
	if err != nil {
		s.logger.Error("list attempts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}

	if attempts == nil {
		attempts = []*model.LoadAttempt{}
	}

	s.writeJSON(w, http.StatusOK, listAttemptsResponse{
		InstanceID: id,
		Attempts:   attempts,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}
