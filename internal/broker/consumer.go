package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
)

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// RabbitMQConsumer feeds remote change notifications for one device into a Handler.
type RabbitMQConsumer struct {
	*link
	handler  Handler
	deviceID string
}

// NewRabbitMQConsumer initializes a consumer whose queue is private to deviceID
func NewRabbitMQConsumer(url, exchange, deviceID string, handler Handler, logger *slog.Logger) (*RabbitMQConsumer, error) {
	l, err := dial(url, exchange, logger.With("component", "rabbitmq_consumer"))
	if err != nil {
		return nil, err
	}

	// QoS: Prefetch 1 keeps notifications in order
	if err := l.channel.Qos(1, 0, false); err != nil {
		l.close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &RabbitMQConsumer{link: l, handler: handler, deviceID: deviceID}, nil
}

// Listen binds the device queue and consumes until ctx is done or the channel dies.
func (c *RabbitMQConsumer) Listen(ctx context.Context) error {
	queueName := fmt.Sprintf("sync.changes.%s", c.deviceID)

	// Durable so notifications survive while the device is offline
	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(q.Name, RemoteChangedKey, c.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer is online and waiting for messages", "queue", q.Name, "routing_key", RemoteChangedKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return apperrors.New(apperrors.CodeNetwork, "delivery channel closed")
			}

			err := c.handler(ctx, d.Body)
			if err != nil {
				if !apperrors.IsRecoverable(err) {
					c.logger.Error("Dropping unprocessable message", "message_id", d.MessageId, "error", err)
					d.Nack(false, false)
					continue
				}
				c.logger.Error("Processing failed, requeueing", "message_id", d.MessageId, "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(5 * time.Second): // Throttling retries
				}
				d.Nack(false, true)
				continue
			}

			if err := d.Ack(false); err != nil {
				c.logger.Error("Failed to Ack message", "message_id", d.MessageId, "error", err)
			}
		}
	}
}

func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.close()
}
