package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/drip/internal/engine"
	"github.com/foxzi/drip/internal/followup"
)

// maxBodyBytes limits request bodies
const maxBodyBytes = 1 << 20

// CreateFollowUpRequest is the request body for POST /followups
type CreateFollowUpRequest struct {
	ClientID   string         `json:"client_id" validate:"required,max=256"`
	CampaignID string         `json:"campaign_id" validate:"required,max=128"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CancelRequest is the optional request body for POST /followups/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ClientMessageRequest is the request body for POST /clients/{id}/messages
type ClientMessageRequest struct {
	EventID string `json:"event_id" validate:"max=256"`
	Text    string `json:"text" validate:"max=65536"`
}

// ListFollowUpsResponse is the response for GET /followups
type ListFollowUpsResponse struct {
	FollowUps []*followup.FollowUp `json:"followups"`
	Count     int                  `json:"count"`
}

// RemoveClientResponse is the response for DELETE /clients/{id}
type RemoveClientResponse struct {
	ClientID string `json:"client_id"`
	Removed  int    `json:"removed"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Uptime  string          `json:"uptime"`
	Stats   *followup.Stats `json:"stats,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		s.sendJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unavailable",
			Version: s.version,
			Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		})
		return
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Stats:   stats,
	})
}

// handleCreateFollowUp handles POST /api/v1/followups
func (s *Server) handleCreateFollowUp(w http.ResponseWriter, r *http.Request) {
	var req CreateFollowUpRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	f, err := s.manager.Create(r.Context(), engine.CreateRequest{
		ClientID:   req.ClientID,
		CampaignID: req.CampaignID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.sendEngineError(w, err, "Failed to create follow-up")
		return
	}

	s.sendJSON(w, http.StatusCreated, f)
}

// handleListFollowUps handles GET /api/v1/followups
func (s *Server) handleListFollowUps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := followup.ListFilter{
		Status:     followup.Status(q.Get("status")),
		ClientID:   q.Get("client_id"),
		CampaignID: q.Get("campaign_id"),
		Limit:      100,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}

	var ok bool
	if filter.Limit, ok = s.intParam(w, r, "limit", filter.Limit); !ok {
		return
	}
	if filter.Offset, ok = s.intParam(w, r, "offset", 0); !ok {
		return
	}

	list, err := s.manager.List(r.Context(), filter)
	if err != nil {
		s.sendEngineError(w, err, "Failed to list follow-ups")
		return
	}
	if list == nil {
		list = []*followup.FollowUp{}
	}

	s.sendJSON(w, http.StatusOK, ListFollowUpsResponse{FollowUps: list, Count: len(list)})
}

// handleFollowUpStatus handles GET /api/v1/followups/{id}
func (s *Server) handleFollowUpStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get follow-up")
		return
	}
	s.sendJSON(w, http.StatusOK, st)
}

// handleCancelFollowUp handles POST /api/v1/followups/{id}/cancel
func (s *Server) handleCancelFollowUp(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !s.decode(w, r, &req, true) {
		return
	}

	res, err := s.manager.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.sendEngineError(w, err, "Failed to cancel follow-up")
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// handleResumeFollowUp handles POST /api/v1/followups/{id}/resume
func (s *Server) handleResumeFollowUp(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to resume follow-up")
		return
	}
	s.sendJSON(w, http.StatusOK, f)
}

// handleAdvanceFollowUp handles POST /api/v1/followups/{id}/advance
func (s *Server) handleAdvanceFollowUp(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to advance follow-up")
		return
	}
	s.sendJSON(w, http.StatusOK, f)
}

// handleClientMessage handles POST /api/v1/clients/{id}/messages.
// The messaging platform calls it when a client replies.
func (s *Server) handleClientMessage(w http.ResponseWriter, r *http.Request) {
	var req ClientMessageRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	res, err := s.responses.Handle(r.Context(), engine.InboundMessage{
		EventID:  req.EventID,
		ClientID: chi.URLParam(r, "id"),
		Text:     req.Text,
		Channel:  "http",
	})
	if err != nil {
		s.sendEngineError(w, err, "Failed to record client message")
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// handleRemoveClient handles DELETE /api/v1/clients/{id}
func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	n, err := s.manager.RemoveClient(r.Context(), clientID)
	if err != nil {
		s.sendEngineError(w, err, "Failed to remove client")
		return
	}
	s.sendJSON(w, http.StatusOK, RemoveClientResponse{ClientID: clientID, Removed: n})
}

// decode reads a JSON body into v and validates it. An empty body is accepted
// when optional is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !(optional && errors.Is(err, io.EOF)) {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return s.validateStruct(w, v)
}

func (s *Server) validateStruct(w http.ResponseWriter, v any) bool {
	err := s.validate.Struct(v)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return false
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fieldError(fe))
	}
	s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
	return false
}

func fieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s long", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return n, true
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, engine.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendEngineError(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(fallback, "error", err)
		s.sendError(w, status, fallback)
		return
	}
	s.sendError(w, status, err.Error())
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
