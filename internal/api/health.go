package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	Instances int    `json:"instances"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	live := 0
	if snaps, err := s.manager.Snapshots(); err == nil {
		live = len(snaps)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok", Instances: live}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
