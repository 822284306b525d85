package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Topology declares the exchange and the inbound queue of the service.
type Topology struct {
	client   *Client
	exchange string
	queue    string
	logger   *zap.Logger
}

// NewTopology creates a Topology.
func NewTopology(client *Client, exchange, queue string, logger *zap.Logger) *Topology {
	return &Topology{client: client, exchange: exchange, queue: queue, logger: logger}
}

// Setup declares a durable topic exchange and binds the queue for every routing key.
func (t *Topology) Setup(routingKeys []string) error {
	ch := t.client.Channel()

	if err := ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", t.exchange, err)
	}

	if _, err := ch.QueueDeclare(t.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", t.queue, err)
	}

	for _, key := range routingKeys {
		if err := bind(ch, t.queue, t.exchange, key); err != nil {
			return err
		}
	}

	t.logger.Info("AMQP topology ready",
		zap.String("exchange", t.exchange),
		zap.String("queue", t.queue),
		zap.Int("bindings", len(routingKeys)))
	return nil
}

func bind(ch *amqp.Channel, queue, exchange, key string) error {
	if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue '%s' to exchange '%s' with routing key '%s': %w",
			queue, exchange, key, err)
	}
	return nil
}
