package server

import (
	"log"
	"net/http"

	"github.com/insightrecorder/recsync/internal/db"
)

// handleListDevices enumerates attached devices, registers them,
// and returns the whole registry with the attached ids.
func (s *Server) handleListDevices(
	w http.ResponseWriter, r *http.Request,
) {
	attached := []string{}
	live, err := s.engine.RefreshDevices(r.Context())
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		log.Printf("refreshing devices: %v", err)
	}
	for _, d := range live {
		attached = append(attached, d.ID)
	}

	devices, err := s.db.ListDevices(r.Context())
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":  devices,
		"attached": attached,
	})
}

func (s *Server) handleGetDevice(
	w http.ResponseWriter, r *http.Request,
) {
	d, err := s.db.GetDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleUpdateDeviceSettings applies a partial settings update,
// registering the device first if it has never been seen.
func (s *Server) handleUpdateDeviceSettings(
	w http.ResponseWriter, r *http.Request,
) {
	id := r.PathValue("id")
	var req db.DeviceSettings
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.db.UpdateDeviceSettings(
		id, req, s.settings.Get().AutoSyncDefault,
	); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	d, err := s.db.GetDevice(r.Context(), id)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeviceStats(
	w http.ResponseWriter, r *http.Request,
) {
	stats, err := s.engine.DeviceStats(r.Context(), r.PathValue("id"))
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDeviceFiles lists the files already exported from a
// device, ordered by relative path.
func (s *Server) handleDeviceFiles(
	w http.ResponseWriter, r *http.Request,
) {
	id := r.PathValue("id")
	d, err := s.db.GetDevice(r.Context(), id)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	files, err := s.db.ListFilesByDevice(r.Context(), id)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}
