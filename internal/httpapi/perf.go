package httpapi

import (
	"net/http"
	"strings"
)

// handlePerfLatency serves the rolling stage window. ?stage=a,b limits the
// stages returned.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.SnapshotTurnStages()
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		want := map[string]bool{}
		for _, name := range strings.Split(raw, ",") {
			want[strings.TrimSpace(name)] = true
		}
		kept := snap.Stages[:0]
		for _, st := range snap.Stages {
			if want[st.Stage] {
				kept = append(kept, st)
			}
		}
		snap.Stages = kept
	}
	respondJSON(w, http.StatusOK, snap)
}

// handlePerfReset clears the window between load runs.
func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetTurnStages()
	w.WriteHeader(http.StatusNoContent)
}
