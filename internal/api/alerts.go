package api

import (
	"net/http"

	"github.com/nerrad567/device-monitor/internal/audit"
)

// handleListAlerts returns the retained alerts, oldest first.
func (s *Server) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}, "count": 0})
		return
	}
	alerts := s.alerts.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleAcknowledgeAlert marks an alert acknowledged. Acknowledging twice
// returns the original acknowledgement.
func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeNotFound(w, "alert not found")
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid alert id")
		return
	}
	a, found := s.alerts.Acknowledge(id)
	if !found {
		writeNotFound(w, "alert not found")
		return
	}
	s.recordAudit(r, audit.Entry{Action: audit.ActionAcknowledge, EntityType: audit.EntityAlert, EntityID: id})
	writeJSON(w, http.StatusOK, a)
}
