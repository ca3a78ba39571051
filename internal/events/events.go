// Package events publishes batched migration status changes to RabbitMQ.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
)

// ExchangeName is the topic exchange every status change is published to.
const ExchangeName = "backfill.events"

// Publisher publishes status changes.
type Publisher interface {
	Publish(ctx context.Context, event StatusChange) error
	Close() error
}

// Handler handles a consumed status change.
type Handler func(ctx context.Context, event StatusChange) error

// Consumer streams the status changes of one project.
type Consumer interface {
	Consume(ctx context.Context, project string, handler Handler) error
	Close() error
}

// StatusChange is the broker payload for one migration status transition.
type StatusChange struct {
	EventID     string                 `json:"eventId"`
	Project     string                 `json:"project"`
	MigrationID int64                  `json:"migrationId"`
	Filename    string                 `json:"filename"`
	From        domain.MigrationStatus `json:"from"`
	To          domain.MigrationStatus `json:"to"`
	LastError   *string                `json:"lastError,omitempty"`
	OccurredAt  time.Time              `json:"occurredAt"`
}

func (e StatusChange) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if strings.TrimSpace(e.Project) == "" {
		return fmt.Errorf("project is required")
	}
	if e.MigrationID <= 0 {
		return fmt.Errorf("migrationId must be positive")
	}
	if !e.From.IsValid() {
		return fmt.Errorf("invalid from status %q", e.From)
	}
	if !e.To.IsValid() {
		return fmt.Errorf("invalid to status %q", e.To)
	}
	return nil
}

// RoutingKey returns the topic routing key of a change, e.g. acme.migration.succeeded.
// Dots in the project name are replaced so they cannot add topic words.
func RoutingKey(project string, to domain.MigrationStatus) string {
	return fmt.Sprintf("%s.migration.%s", topicWord(project), to)
}

// BindingKey matches every status change of project.
func BindingKey(project string) string {
	return fmt.Sprintf("%s.migration.*", topicWord(project))
}

func topicWord(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
}
