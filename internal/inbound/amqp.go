package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/engine"
)

const channelAMQP = "amqp"

// ReplyEvent is the JSON body of a reply published by the messaging platform
type ReplyEvent struct {
	EventID  string `json:"event_id"`
	ClientID string `json:"client_id"`
	Text     string `json:"text"`
}

// Consumer reads client replies from a durable AMQP queue
type Consumer struct {
	cfg     config.AMQPConfig
	handler Handler
	logger  *slog.Logger
}

// NewConsumer creates a reply queue consumer
func NewConsumer(cfg config.AMQPConfig, h Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		cfg:     cfg,
		handler: h,
		logger:  logger.With("component", "inbound_amqp", "queue", cfg.Queue),
	}
}

// Run consumes until ctx is done, reconnecting after RetryDelay when the
// broker connection is lost.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("amqp consumer disconnected", "error", err, "retry_in", c.cfg.RetryDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		c.cfg.ConsumerTag,
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("amqp consumer started")

	for {
		select {
		case <-ctx.Done():
			ch.Cancel(c.cfg.ConsumerTag, false)
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery acks handled and duplicate replies, drops malformed ones
// and requeues replies that failed on storage.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var ev ReplyEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.logger.Warn("invalid reply payload", "error", err, "delivery_tag", d.DeliveryTag)
		d.Nack(false, false)
		return
	}
	if ev.EventID == "" {
		ev.EventID = d.MessageId
	}

	res, err := c.handler.Handle(ctx, engine.InboundMessage{
		EventID:  ev.EventID,
		ClientID: ev.ClientID,
		Text:     ev.Text,
		Channel:  channelAMQP,
	})
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		c.logger.Warn("reply rejected", "event_id", ev.EventID, "error", err)
		d.Nack(false, false)
	case err != nil:
		c.logger.Error("failed to handle reply", "event_id", ev.EventID, "error", err)
		d.Nack(false, !d.Redelivered)
	default:
		c.logger.Debug("reply consumed",
			"event_id", ev.EventID,
			"client_id", ev.ClientID,
			"touched", res.Touched,
			"duplicate", res.Duplicate,
		)
		d.Ack(false)
	}
}
