// Package dispatch delivers rendered follow-up messages to clients.
package dispatch

import (
	"context"
	"errors"
)

// ErrDispatchFailed is matched by every error a Dispatcher returns for a failed send
var ErrDispatchFailed = errors.New("dispatch failed")

// Message is one outbound follow-up message
type Message struct {
	ID         string `json:"message_id"`
	FollowUpID string `json:"follow_up_id"`
	ClientID   string `json:"client_id"`
	StepIndex  int    `json:"step"`
	Text       string `json:"text"`
	TemplateID string `json:"template_id,omitempty"`
	Category   string `json:"category,omitempty"`
	Stage      string `json:"stage,omitempty"`
}

// Dispatcher sends a message to a client
type Dispatcher interface {
	Send(ctx context.Context, msg *Message) error
}

// Error represents a delivery error with type information
type Error struct {
	Temporary bool
	Message   string
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap makes errors.Is(err, ErrDispatchFailed) hold for every *Error
func (e *Error) Unwrap() error {
	return ErrDispatchFailed
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// DispatcherFunc adapts a function to the Dispatcher interface
type DispatcherFunc func(ctx context.Context, msg *Message) error

// Send calls f(ctx, msg)
func (f DispatcherFunc) Send(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
