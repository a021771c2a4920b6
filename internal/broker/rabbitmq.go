package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RemoteChangedKey is the routing key remote change notifications are published under.
const RemoteChangedKey = "remote.changed"

const confirmTimeout = 10 * time.Second

// link is one AMQP connection with a single channel bound to the sync exchange.
type link struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// dial connects, opens a channel and makes sure the topic exchange exists.
func dial(url, exchange string, logger *slog.Logger) (*link, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "dial RabbitMQ", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "open RabbitMQ channel", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &link{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func (l *link) close() {
	if l.channel != nil {
		l.channel.Close()
	}
	if l.conn != nil {
		l.conn.Close()
	}
}

// RabbitMQClient publishes to the sync exchange with publisher confirms.
type RabbitMQClient struct {
	*link
	healthy   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewRabbitMQClient(url, exchange string, logger *slog.Logger) (*RabbitMQClient, error) {
	logger = logger.With("component", "rabbitmq_publisher")
	l, err := dial(url, exchange, logger)
	if err != nil {
		return nil, err
	}
	if err := l.channel.Confirm(false); err != nil {
		l.close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	c := &RabbitMQClient{link: l, done: make(chan struct{})}
	c.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	connClosed := l.conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := l.channel.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(connClosed, chanClosed)

	logger.Info("Publisher link ready", "exchange", exchange)
	return c, nil
}

// watch flips the health flag as soon as either side of the link goes away.
func (c *RabbitMQClient) watch(connClosed, chanClosed <-chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chanClosed:
	case <-c.done:
		return
	}
	c.markDown()
	c.logger.Warn("Publisher link lost", "reason", reason)
}

func (c *RabbitMQClient) markDown() {
	c.healthy.Store(false)
	metrics.BrokerHealthy.Set(0)
}

// Publish sends body and waits for the broker's confirm. A NACK or a missing
// confirm is a transient error; a dead link is a network error.
func (c *RabbitMQClient) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	if !c.IsHealthy() {
		return apperrors.New(apperrors.CodeNetwork, "broker link is down")
	}

	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(ctx, c.exchange, routingKey, false, false,
		amqp.Publishing{
			MessageId:    messageID,
			Timestamp:    time.Now(),
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeNetwork, "publish "+routingKey, err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-confirm.Done():
		if !confirm.Acked() {
			c.logger.Warn("Broker refused message", "message_id", messageID, "routing_key", routingKey)
			return apperrors.Newf(apperrors.CodeTransient, "broker nacked message %s", messageID)
		}
		return nil
	case <-timer.C:
		return apperrors.Newf(apperrors.CodeTransient, "no confirm for message %s after %s", messageID, confirmTimeout)
	}
}

func (c *RabbitMQClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.markDown()
		c.close()
		c.logger.Info("Publisher link closed")
	})
	return nil
}

func (c *RabbitMQClient) IsHealthy() bool {
	return c.healthy.Load()
}
