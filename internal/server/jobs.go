package server

import (
	"net/http"

	"github.com/insightrecorder/recsync/internal/db"
)

func (s *Server) handleListJobs(
	w http.ResponseWriter, r *http.Request,
) {
	limit, ok := parseIntParam(w, r, "limit")
	if !ok {
		return
	}
	limit = clampLimit(limit, db.DefaultJobLimit, db.MaxJobLimit)

	jobs, err := s.engine.History(r.Context(), limit)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"active": s.engine.ActiveJobs(),
	})
}

func (s *Server) handleGetJob(
	w http.ResponseWriter, r *http.Request,
) {
	id := r.PathValue("id")
	job, err := s.db.GetJob(r.Context(), id)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	events, err := s.db.ListJobEvents(r.Context(), id)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":    job,
		"events": events,
	})
}
