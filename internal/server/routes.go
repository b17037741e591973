package server

import (
	"net/http"

	"github.com/zsiec/cadence/pkg/version"
)

// handleVersion handles the /version endpoint
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := s.writeJSON(w, http.StatusOK, version.GetInfo()); err != nil {
		s.log.WithError(err).Error("Failed to encode version response")
	}
}
