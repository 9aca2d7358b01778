// Package followup holds the follow-up record, its message log and their storage.
package followup

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a follow-up
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// InboundStep is the step index reserved for client replies in the message log
const InboundStep = -1

// FollowUp is one client's progress through one campaign
type FollowUp struct {
	ID             string         `json:"id"`
	CampaignID     string         `json:"campaign_id"`
	ClientID       string         `json:"client_id"`
	CurrentStep    int            `json:"current_step"`
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	NextMessageAt  *time.Time     `json:"next_message_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	IsResponsive   bool           `json:"is_responsive"`
	CurrentStageID *string        `json:"current_stage_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Message is an entry of the append-only follow-up message log
type Message struct {
	ID          string     `json:"id"`
	FollowUpID  string     `json:"follow_up_id"`
	StepIndex   int        `json:"step_index"`
	Content     string     `json:"content"`
	SentAt      time.Time  `json:"sent_at"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	TemplateID  string     `json:"template_id,omitempty"`
	Category    string     `json:"category,omitempty"`
	Stage       string     `json:"stage,omitempty"`
}

// Inbound reports whether the message records a client reply
func (m *Message) Inbound() bool {
	return m.StepIndex == InboundStep
}

// ListFilter represents filter options for listing follow-ups
type ListFilter struct {
	Status     Status
	ClientID   string
	CampaignID string
	Limit      int
	Offset     int
}

// Stats represents follow-up statistics
type Stats struct {
	Active      int64 `json:"active"`
	Paused      int64 `json:"paused"`
	Completed   int64 `json:"completed"`
	Canceled    int64 `json:"canceled"`
	Total       int64 `json:"total"`
	Messages    int64 `json:"messages"`
	Undelivered int64 `json:"undelivered"`
}

// Store persists follow-ups and their message log.
// Getters return nil, nil when the record does not exist.
type Store interface {
	// Create stores a new follow-up
	Create(ctx context.Context, f *FollowUp) error

	// Get retrieves a follow-up by ID
	Get(ctx context.Context, id string) (*FollowUp, error)

	// Update overwrites a follow-up
	Update(ctx context.Context, f *FollowUp) error

	// SaveStep updates the follow-up and appends its step message atomically
	SaveStep(ctx context.Context, f *FollowUp, msg *Message) error

	// Delete removes a follow-up and all of its messages
	Delete(ctx context.Context, id string) error

	// List returns follow-ups matching the filter
	List(ctx context.Context, filter ListFilter) ([]*FollowUp, error)

	// ByClient returns all follow-ups of a client
	ByClient(ctx context.Context, clientID string) ([]*FollowUp, error)

	// ListPending returns active follow-ups with a next message time
	ListPending(ctx context.Context) ([]*FollowUp, error)

	// AppendMessage adds an entry to the message log
	AppendMessage(ctx context.Context, msg *Message) error

	// MarkDelivered flags a logged message as delivered
	MarkDelivered(ctx context.Context, messageID string, at time.Time) error

	// Messages returns the most recent messages of a follow-up, newest first
	Messages(ctx context.Context, followUpID string, limit int) ([]*Message, error)

	// LatestStepMessage returns the newest outbound (step >= 0) message
	LatestStepMessage(ctx context.Context, followUpID string) (*Message, error)

	// RecordEvent remembers an inbound event ID; it returns false if it was seen before
	RecordEvent(ctx context.Context, eventID string, at time.Time) (bool, error)

	// ForgetEvent removes a recorded event ID so a redelivery is handled again
	ForgetEvent(ctx context.Context, eventID string) error

	// Stats returns follow-up statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the storage connection
	Close() error
}
