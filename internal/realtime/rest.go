package realtime

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// backendState summarizes the backend for the health check: "disabled",
// "running", "failed" (the spawn failed) or "stopped".
func (s *Server) backendState() (string, string) {
	if s.devMode {
		return "disabled", ""
	}
	if s.source == nil {
		return "stopped", ""
	}
	st := s.source.Status()
	switch {
	case st.Running:
		return "running", ""
	case st.StartError != "":
		return "failed", st.StartError
	default:
		return "stopped", ""
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.statusPayload())
}

// handleHealth always answers 200: the shell is healthy even when the
// backend is not.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	state, reason := s.backendState()
	json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Backend: state,
		Error:   reason,
	})
}
