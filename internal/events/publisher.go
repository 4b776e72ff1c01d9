// Package events publishes balance-changed notifications to RabbitMQ.
// Delivery is decoupled from the ledger transaction: the publisher is
// invoked after commit, retries internally, and its failures never reach
// the ledger caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/bancosol/ledger-service/internal/domain"
)

const (
	publishAttempts = 3
	attemptBackoff  = 100 * time.Millisecond
)

// RabbitMQPublisher implements domain.EventPublisher over a durable topic
// exchange. Events are routed as <prefix>.<operation type>, e.g.
// ledger.operations.deposit.
type RabbitMQPublisher struct {
	conn             *amqp.Connection
	channel          *amqp.Channel
	exchange         string
	routingKeyPrefix string
	logger           *zap.Logger
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the exchange.
func NewRabbitMQPublisher(url, exchange, routingKeyPrefix string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info("RabbitMQ publisher initialized",
		zap.String("exchange", exchange),
		zap.String("routing_key_prefix", routingKeyPrefix))

	return &RabbitMQPublisher{
		conn:             conn,
		channel:          channel,
		exchange:         exchange,
		routingKeyPrefix: routingKeyPrefix,
		logger:           logger,
	}, nil
}

// PublishBalanceChanged publishes one event, retrying a few times before
// giving up. At-least-once: a retry after an ambiguous failure may
// deliver the event twice, consumers deduplicate on eventId.
func (p *RabbitMQPublisher) PublishBalanceChanged(ctx context.Context, event domain.BalanceChangedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	routingKey := p.routingKeyPrefix + "." + strings.ToLower(event.OperationType)

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		lastErr = p.channel.PublishWithContext(ctx,
			p.exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    event.EventID,
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
		if lastErr == nil {
			return nil
		}

		p.logger.Warn("publish attempt failed",
			zap.Int("attempt", attempt),
			zap.String("routing_key", routingKey),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * attemptBackoff):
		}
	}
	return fmt.Errorf("failed to publish event after %d attempts: %w", publishAttempts, lastErr)
}

// Close closes the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", zap.Error(err))
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
