package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

// RabbitMQConsumer binds a private, auto-deleted queue to a project's status
// changes. Changes published while no consumer is bound are not seen.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume delivers status changes to handler until ctx is done, rebinding
// after connection loss.
func (c *RabbitMQConsumer) Consume(ctx context.Context, project string, handler Handler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if project == "" {
		return fmt.Errorf("project is required")
	}
	if handler == nil {
		return fmt.Errorf("event handler is required")
	}

	backoff := minRedial
	for {
		err := c.consumeOnce(ctx, project, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = minRedial
			continue
		}

		c.logger.Warn("status change consumer interrupted", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxRedial)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, project string, handler Handler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare consumer queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, BindingKey(project), ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind consumer queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// acknowledger is the part of amqp.Delivery handleDelivery needs.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) error {
	return c.handle(ctx, d, d.Body, d.RoutingKey, handler)
}

func (c *RabbitMQConsumer) handle(ctx context.Context, ack acknowledger, body []byte, routingKey string, handler Handler) error {
	var event StatusChange
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("rejecting status change: invalid JSON",
			zap.Error(err),
			zap.String("routingKey", routingKey),
		)
		if rejectErr := ack.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid message: %w", rejectErr)
		}
		return nil
	}

	if err := event.Validate(); err != nil {
		c.logger.Warn("rejecting status change: validation failed",
			zap.Error(err),
			zap.String("eventId", event.EventID),
		)
		if rejectErr := ack.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid payload: %w", rejectErr)
		}
		return nil
	}

	if err := handler(ctx, event); err != nil {
		if nackErr := ack.Nack(false, true); nackErr != nil {
			return fmt.Errorf("handler failed and nack failed: %w", nackErr)
		}
		return nil
	}

	if err := ack.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}

	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
