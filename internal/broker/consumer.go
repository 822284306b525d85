package broker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"spsh/backend/internal/events"
)

// Dispatcher runs the handlers of an event synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, event events.Event)
}

// Consumer feeds deliveries of the inbound queue into the event bus.
type Consumer struct {
	client     *Client
	registry   *events.Registry
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(client *Client, registry *events.Registry, dispatcher Dispatcher, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:     client,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Consume blocks until ctx is done or the delivery channel closes.
func (c *Consumer) Consume(ctx context.Context, queue string) error {
	ch := c.client.Channel()

	// one message at a time keeps per-person ordering
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("started consuming events", zap.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("event consumer stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	name := d.Type
	if name == "" {
		name = d.RoutingKey
	}

	event, err := c.registry.Decode(name, d.Body)
	if err != nil {
		c.logger.Error("dropping undecodable event",
			zap.String("event", name),
			zap.String("messageId", d.MessageId),
			zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to nack delivery", zap.Error(err))
		}
		return
	}

	c.dispatcher.Dispatch(events.WithRemote(ctx), event)

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack delivery", zap.String("event", name), zap.Error(err))
	}
}
