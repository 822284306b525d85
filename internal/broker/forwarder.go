package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"spsh/backend/internal/events"
)

// ChannelPublisher is the part of *amqp.Channel the Forwarder needs.
type ChannelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Forwarder publishes locally raised events to the exchange, routing key = event name.
type Forwarder struct {
	channel  func() ChannelPublisher
	exchange string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewForwarder creates a Forwarder on top of client.
func NewForwarder(client *Client, exchange string, logger *zap.Logger) *Forwarder {
	return newForwarder(func() ChannelPublisher { return client.Channel() }, exchange, logger)
}

func newForwarder(channel func() ChannelPublisher, exchange string, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		channel:  channel,
		exchange: exchange,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Handle is registered with Bus.SubscribeAll. Events received from the broker are not sent back.
func (f *Forwarder) Handle(ctx context.Context, event events.Event) {
	if events.IsRemote(ctx) {
		return
	}
	if err := f.Publish(ctx, event); err != nil {
		f.logger.Error("failed to forward event",
			zap.String("event", event.EventName()),
			zap.Error(err))
	}
}

// Publish sends one event as persistent JSON message.
func (f *Forwarder) Publish(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	name := event.EventName()
	err = f.channel().PublishWithContext(ctx, f.exchange, name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         name,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to exchange '%s' with routing key '%s': %w", f.exchange, name, err)
	}

	f.logger.Debug("event forwarded", zap.String("event", name))
	return nil
}
