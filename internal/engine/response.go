package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/foxzi/drip/internal/metrics"
)

// InboundMessage is a client reply received from any channel
type InboundMessage struct {
	EventID  string `json:"event_id,omitempty"`
	ClientID string `json:"client_id"`
	Text     string `json:"text"`
	Channel  string `json:"channel,omitempty"`
}

// ResponseResult reports what Handle did with an inbound message
type ResponseResult struct {
	Touched   int  `json:"touched"`
	Duplicate bool `json:"duplicate"`
}

// EventRecorder remembers inbound event IDs
type EventRecorder interface {
	RecordEvent(ctx context.Context, eventID string, at time.Time) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

// ResponseHandler feeds client replies into the manager
type ResponseHandler struct {
	manager *Manager
	events  EventRecorder
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewResponseHandler creates a handler. events may be nil to disable deduplication.
func NewResponseHandler(m *Manager, events EventRecorder, clock clockwork.Clock, logger *slog.Logger) *ResponseHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ResponseHandler{
		manager: m,
		events:  events,
		clock:   clock,
		logger:  logger.With("component", "responses"),
	}
}

// Handle processes msg once per EventID
func (h *ResponseHandler) Handle(ctx context.Context, msg InboundMessage) (*ResponseResult, error) {
	if msg.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	channel := msg.Channel
	if channel == "" {
		channel = "api"
	}

	eventKey := ""
	if msg.EventID != "" && h.events != nil {
		eventKey = channel + ":" + msg.EventID
		fresh, err := h.events.RecordEvent(ctx, eventKey, h.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if !fresh {
			metrics.IncInboundDuplicates()
			h.logger.Info("duplicate inbound event ignored",
				"event_id", msg.EventID,
				"client_id", msg.ClientID,
				"channel", channel,
			)
			return &ResponseResult{Duplicate: true}, nil
		}
	}

	touched, err := h.manager.OnClientMessage(ctx, msg.ClientID, msg.Text)
	if err != nil {
		// A failed reply must not be swallowed as a duplicate on redelivery.
		if eventKey != "" {
			if ferr := h.events.ForgetEvent(ctx, eventKey); ferr != nil {
				h.logger.Error("failed to forget inbound event",
					"event_id", msg.EventID,
					"error", ferr,
				)
			}
		}
		return nil, err
	}

	metrics.IncInboundReplies(channel)
	h.logger.Debug("inbound message handled",
		"client_id", msg.ClientID,
		"channel", channel,
		"touched", touched,
	)
	return &ResponseResult{Touched: touched}, nil
}
