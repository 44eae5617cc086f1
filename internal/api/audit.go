package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/device-monitor/internal/audit"
	"github.com/nerrad567/device-monitor/internal/auth"
)

// recordAudit writes an operator action to the audit trail. Failures are
// logged and never fail the request.
func (s *Server) recordAudit(r *http.Request, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		e.UserID = claims.Subject
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	if id := requestID(r); id != "" {
		e.Details["requestId"] = id
	}

	// The request context may already be cancelled once the client has its
	// response.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := s.audit.Record(ctx, &e); err != nil {
		s.logger.Warn("failed to record audit entry",
			"action", e.Action,
			"entity_id", e.EntityID,
			"error", err,
		)
	}
}

// handleListAudit returns recorded operator actions, newest first.
// Query parameters: action, entityType, entityId, since (RFC 3339), limit
// and offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit log not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "invalid since")
			return
		}
		filter.Since = t
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "invalid offset")
		return
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeInternalError(w, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
