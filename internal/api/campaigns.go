package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/delay"
)

// CampaignRequest is the request body for creating or replacing a campaign.
// Steps accept the historical field names understood by campaign.DecodeSteps.
type CampaignRequest struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Steps       json.RawMessage `json:"steps"`
}

type campaignInput struct {
	ID          string          `validate:"max=128"`
	Name        string          `validate:"required,max=200"`
	Description string          `validate:"max=2000"`
	Steps       []campaign.Step `validate:"required,min=1"`
}

// CampaignResponse is a campaign plus warnings about its steps
type CampaignResponse struct {
	*campaign.Campaign
	Warnings []string `json:"warnings,omitempty"`
}

// ListCampaignsResponse is the response for GET /campaigns
type ListCampaignsResponse struct {
	Campaigns []*campaign.Campaign `json:"campaigns"`
	Count     int                  `json:"count"`
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := campaign.ListFilter{Search: r.URL.Query().Get("search"), Limit: 100}

	var ok bool
	if filter.Limit, ok = s.intParam(w, r, "limit", filter.Limit); !ok {
		return
	}
	if filter.Offset, ok = s.intParam(w, r, "offset", 0); !ok {
		return
	}

	list, err := s.campaigns.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	if list == nil {
		list = []*campaign.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, ListCampaignsResponse{Campaigns: list, Count: len(list)})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, CampaignResponse{Campaign: c, Warnings: waitWarnings(c.Steps)})
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeCampaign(w, r)
	if !ok {
		return
	}

	if in.ID != "" {
		existing, err := s.campaigns.Get(r.Context(), in.ID)
		if err != nil {
			s.logger.Error("failed to get campaign", "campaign_id", in.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
			return
		}
		if existing != nil {
			s.sendError(w, http.StatusConflict, fmt.Sprintf("campaign %s already exists", in.ID))
			return
		}
	}

	c := &campaign.Campaign{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Steps:       in.Steps,
	}
	if err := s.campaigns.Create(r.Context(), c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "steps", len(c.Steps))
	s.sendJSON(w, http.StatusCreated, CampaignResponse{Campaign: c, Warnings: waitWarnings(c.Steps)})
}

// handleReplaceCampaign handles PUT /api/v1/campaigns/{id}.
// Running follow-ups pick up the new steps at their next transition.
func (s *Server) handleReplaceCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	in, ok := s.decodeCampaign(w, r)
	if !ok {
		return
	}
	if in.ID != "" && in.ID != c.ID {
		s.sendError(w, http.StatusBadRequest, "id in body does not match path")
		return
	}

	c.Name = in.Name
	c.Description = in.Description
	c.Steps = in.Steps
	if err := s.campaigns.Update(r.Context(), c); err != nil {
		s.logger.Error("failed to update campaign", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update campaign")
		return
	}

	s.logger.Info("campaign replaced", "campaign_id", c.ID, "steps", len(c.Steps))
	s.sendJSON(w, http.StatusOK, CampaignResponse{Campaign: c, Warnings: waitWarnings(c.Steps)})
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	if err := s.campaigns.Delete(r.Context(), c.ID); err != nil {
		s.logger.Error("failed to delete campaign", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete campaign")
		return
	}

	s.logger.Info("campaign deleted", "campaign_id", c.ID)
	s.sendJSON(w, http.StatusOK, map[string]string{"id": c.ID, "status": "deleted"})
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*campaign.Campaign, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return c, true
}

func (s *Server) decodeCampaign(w http.ResponseWriter, r *http.Request) (*campaignInput, bool) {
	var req CampaignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}

	steps, err := campaign.DecodeSteps(req.Steps)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "steps must be an array of objects")
		return nil, false
	}

	in := &campaignInput{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Steps:       steps,
	}
	if !s.validateStruct(w, in) {
		return nil, false
	}
	return in, true
}

// waitWarnings lists steps whose wait duration would fall back to the default
func waitWarnings(steps []campaign.Step) []string {
	var warnings []string
	for i, step := range steps {
		if _, err := delay.ParseStrict(step.WaitDuration); err != nil {
			warnings = append(warnings, fmt.Sprintf("step %d: wait_duration %q falls back to %s",
				i+1, step.WaitDuration, delay.DefaultWait))
		}
	}
	return warnings
}
