package httpapi

import (
	"encoding/json"
	"net/http"
)

type loadedModelObject struct {
	ModelID string `json:"model_id"`
	Device  string `json:"device"`
	State   string `json:"state"`
}

// handleStatus implements GET /api/status (supplemental, §4.9), grounded
// on the teacher's GetRunningBackendsInfo/BackendStatus.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	loaded := s.manager.ListLoaded()
	out := make([]loadedModelObject, 0, len(loaded))
	for _, l := range loaded {
		out = append(out, loadedModelObject{ModelID: l.ModelID, Device: l.Device, State: l.State.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaded": out})
}

// handleUnload implements POST /api/unload (supplemental, §4.9), grounded
// on the teacher's HTTPHandler.Unload.
func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if err := s.manager.Unload(req.Model); err != nil {
		writeAppError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMetrics implements GET /api/metrics (spec §4.10).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}
