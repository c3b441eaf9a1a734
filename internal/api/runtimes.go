package api

import "net/http"

func (s *Server) handleListRuntimes(w http.ResponseWriter, _ *http.Request) {
	runtimes := s.registry.List()
	s.writeJSON(w, http.StatusOK, runtimes)
}
