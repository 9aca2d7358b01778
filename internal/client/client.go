// Package client is a Go client for the drip HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/drip/internal/api"
	"github.com/foxzi/drip/internal/engine"
	"github.com/foxzi/drip/internal/followup"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("API error (HTTP %d): %s: %s", e.StatusCode, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client is a drip API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request performs an HTTP request to the API
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Details = errResp.Details
		}
		return apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Health checks server health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateFollowUp starts a campaign for a client
func (c *Client) CreateFollowUp(ctx context.Context, req *api.CreateFollowUpRequest) (*followup.FollowUp, error) {
	var resp followup.FollowUp
	if err := c.request(ctx, http.MethodPost, "/api/v1/followups", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListFollowUps lists follow-ups matching the filter
func (c *Client) ListFollowUps(ctx context.Context, filter followup.ListFilter) (*api.ListFollowUpsResponse, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.ClientID != "" {
		q.Set("client_id", filter.ClientID)
	}
	if filter.CampaignID != "" {
		q.Set("campaign_id", filter.CampaignID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/api/v1/followups"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp api.ListFollowUpsResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetFollowUp returns a follow-up with its recent messages
func (c *Client) GetFollowUp(ctx context.Context, id string) (*engine.Status, error) {
	var resp engine.Status
	if err := c.request(ctx, http.MethodGet, "/api/v1/followups/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelFollowUp cancels a follow-up
func (c *Client) CancelFollowUp(ctx context.Context, id, reason string) (*engine.CancelResult, error) {
	var resp engine.CancelResult
	body := &api.CancelRequest{Reason: reason}
	if err := c.request(ctx, http.MethodPost, "/api/v1/followups/"+url.PathEscape(id)+"/cancel", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeFollowUp resumes a paused follow-up
func (c *Client) ResumeFollowUp(ctx context.Context, id string) (*followup.FollowUp, error) {
	var resp followup.FollowUp
	if err := c.request(ctx, http.MethodPost, "/api/v1/followups/"+url.PathEscape(id)+"/resume", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AdvanceFollowUp skips a follow-up to its next step
func (c *Client) AdvanceFollowUp(ctx context.Context, id string) (*followup.FollowUp, error) {
	var resp followup.FollowUp
	if err := c.request(ctx, http.MethodPost, "/api/v1/followups/"+url.PathEscape(id)+"/advance", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendClientMessage reports a client reply
func (c *Client) SendClientMessage(ctx context.Context, clientID string, req *api.ClientMessageRequest) (*engine.ResponseResult, error) {
	var resp engine.ResponseResult
	if err := c.request(ctx, http.MethodPost, "/api/v1/clients/"+url.PathEscape(clientID)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveClient deletes every follow-up of a client
func (c *Client) RemoveClient(ctx context.Context, clientID string) (*api.RemoveClientResponse, error) {
	var resp api.RemoveClientResponse
	if err := c.request(ctx, http.MethodDelete, "/api/v1/clients/"+url.PathEscape(clientID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
