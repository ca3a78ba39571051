package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

// Publish sends event to ExchangeName. A missing EventID is generated.
func (p *RabbitMQPublisher) Publish(ctx context.Context, event StatusChange) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid status change: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status change: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt.UTC(),
		MessageId:    event.EventID,
		Type:         "migration.status_changed",
		Body:         payload,
	}

	key := RoutingKey(event.Project, event.To)
	if err := ch.PublishWithContext(ctx, ExchangeName, key, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish status change %q: %w", key, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
