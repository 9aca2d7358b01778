// Package inbound receives client replies over SMTP and AMQP and feeds them to the engine.
package inbound

import (
	"context"

	"github.com/foxzi/drip/internal/engine"
)

// Handler processes one client reply
type Handler interface {
	Handle(ctx context.Context, msg engine.InboundMessage) (*engine.ResponseResult, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg engine.InboundMessage) (*engine.ResponseResult, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, msg engine.InboundMessage) (*engine.ResponseResult, error) {
	return f(ctx, msg)
}
