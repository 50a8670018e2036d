package server

import (
	"net/http"
)

func (s *Server) handleGetSettings(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

// handleSaveSettings merges the posted fields over the current
// settings, so omitted keys keep their values.
func (s *Server) handleSaveSettings(
	w http.ResponseWriter, r *http.Request,
) {
	next := s.settings.Get()
	if !decodeJSON(w, r, &next) {
		return
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.settings.Save(next)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
