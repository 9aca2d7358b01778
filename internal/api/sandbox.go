package api

import (
	"net/http"
	"time"

	"github.com/foxzi/drip/internal/dispatch"
)

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*dispatch.Capture `json:"messages"`
	Count    int                 `json:"count"`
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := dispatch.CaptureFilter{
		ClientID:   q.Get("client_id"),
		FollowUpID: q.Get("followup_id"),
		Limit:      100,
	}

	var ok bool
	if filter.Limit, ok = s.intParam(w, r, "limit", filter.Limit); !ok {
		return
	}
	if filter.Offset, ok = s.intParam(w, r, "offset", 0); !ok {
		return
	}

	captures, err := s.sandbox.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sandbox messages")
		return
	}
	s.sendJSON(w, http.StatusOK, SandboxListResponse{Messages: captures, Count: len(captures)})
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages?older_than=24h
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid older_than")
			return
		}
		olderThan = d
	}

	n, err := s.sandbox.Clear(r.Context(), olderThan)
	if err != nil {
		s.logger.Error("failed to clear sandbox messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to clear sandbox messages")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
