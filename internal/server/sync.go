package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/insightrecorder/recsync/internal/sync"
)

// progressBuffer is how many notifications a slow event stream
// may lag behind before further ones are dropped for it.
const progressBuffer = 64

func (s *Server) handleStartSync(
	w http.ResponseWriter, r *http.Request,
) {
	var req struct {
		DeviceIDs []string `json:"device_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := s.engine.StartSync(req.DeviceIDs)
	if err != nil {
		if errors.Is(err, sync.ErrNoDevices) {
			writeError(w, http.StatusBadRequest, "device_ids required")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
	})
}

func (s *Server) handleCancelSync(
	w http.ResponseWriter, r *http.Request,
) {
	id := r.PathValue("id")
	err := s.engine.CancelSync(id)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
		return
	}
	if !errors.Is(err, sync.ErrJobNotRunning) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

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
	writeError(w, http.StatusConflict,
		"job is "+string(job.Status)+", not running")
}

// handleSyncEvents streams progress notifications. With job_id
// set, only that job is reported and the stream ends after its
// final notification. Delivery is best effort: a client that
// falls behind misses updates rather than slowing the job.
func (s *Server) handleSyncEvents(
	w http.ResponseWriter, r *http.Request,
) {
	jobID := r.URL.Query().Get("job_id")
	updates := make(chan sync.Progress, progressBuffer)
	unsubscribe := s.engine.OnProgress(func(p sync.Progress) {
		if jobID != "" && p.JobID != jobID {
			return
		}
		select {
		case updates <- p:
		default:
		}
	})
	defer unsubscribe()

	// Subscribed before the headers go out, so a client that
	// sees the response misses nothing published afterwards.
	stream, err := NewSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			"streaming not supported")
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-updates:
			if !stream.SendJSON("progress", p) {
				return
			}
			if jobID != "" && p.Stage == sync.StageDone {
				return
			}
		case <-heartbeat.C:
			if !stream.Send("heartbeat",
				time.Now().Format(time.RFC3339)) {
				return
			}
		}
	}
}
