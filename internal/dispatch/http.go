package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPDispatcher posts messages to a messaging platform API
type HTTPDispatcher struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPDispatcher creates a dispatcher for the platform endpoint url
func NewHTTPDispatcher(url, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPDispatcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type platformError struct {
	Error string `json:"error"`
}

// Send posts msg as JSON. 429 and 5xx responses are temporary failures.
func (d *HTTPDispatcher) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &Error{Message: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
	if err != nil {
		return &Error{Message: fmt.Sprintf("create request: %v", err)}
	}

	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &Error{Temporary: true, Message: fmt.Sprintf("do request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reason := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var perr platformError
		if json.Unmarshal(body, &perr) == nil && perr.Error != "" {
			reason = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, perr.Error)
		}
		return &Error{
			Temporary: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Message:   reason,
		}
	}

	d.logger.Debug("message dispatched",
		"message_id", msg.ID,
		"client_id", msg.ClientID,
		"status", resp.StatusCode,
	)
	return nil
}
