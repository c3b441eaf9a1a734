package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnproc/kiln/internal/loader"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createInstanceRequest is the JSON body for POST /api/v1/instances.
type createInstanceRequest struct {
	Manifest  string `json:"manifest"`
	Isolation string `json:"isolation"`
}

// instanceResponse is the detail view of one instance: the live pipeline
// snapshot for running instances, or a snapshot-shaped view of the store
// record once the instance has been destroyed.
type instanceResponse struct {
	loader.Snapshot
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
}

// listInstancesResponse wraps the paginated list response.
type listInstancesResponse struct {
	Instances []*model.Instance `json:"instances"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Manifest == "" {
		s.writeError(w, http.StatusBadRequest, "manifest is required")
		return
	}
	switch req.Isolation {
	case "", model.IsolationAuto, model.IsolationMicroVM, model.IsolationNone:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown isolation mode")
		return
	}

	snap, err := s.manager.Create(req.Manifest, req.Isolation)
	if err != nil {
		s.logger.Error("create instance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create instance")
		return
	}

	s.writeJSON(w, http.StatusCreated, instanceResponse{Snapshot: snap})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.manager.Get(id)
	if err == nil {
		s.writeJSON(w, http.StatusOK, instanceResponse{Snapshot: snap})
		return
	}
	if !errors.Is(err, loader.ErrInstanceNotFound) {
		s.logger.Error("get instance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get instance")
		return
	}

	// Not live; destroyed instances are still visible through the store.
	inst, err := s.store.GetInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		s.logger.Error("get instance record", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get instance")
		return
	}

	s.writeJSON(w, http.StatusOK, instanceResponse{
		Snapshot: loader.Snapshot{
			ID:              inst.ID,
			ManifestLocator: inst.ManifestLocator,
			Isolation:       inst.Isolation,
			State:           inst.State,
			CreatedAt:       inst.CreatedAt,
		},
		DestroyedAt: inst.DestroyedAt,
	})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	instances, total, err := s.store.ListInstances(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list instances", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}

	if instances == nil {
		instances = []*model.Instance{}
	}

	s.writeJSON(w, http.StatusOK, listInstancesResponse{
		Instances: instances,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Destroy(id); err != nil {
		if errors.Is(err, loader.ErrInstanceNotFound) {
			s.writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		s.logger.Error("destroy instance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to destroy instance")
		return
	}

	// Destroy blocks until the subprocesses are joined and the record is
	// marked destroyed, so the store read reflects the final state.
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		s.logger.Error("get destroyed instance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve instance")
		return
	}

	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleReloadInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.manager.Reload(id)
	if err != nil {
		if errors.Is(err, loader.ErrInstanceNotFound) {
			s.writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		s.logger.Error("reload instance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reload instance")
		return
	}

	s.writeJSON(w, http.StatusAccepted, instanceResponse{Snapshot: snap})
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
