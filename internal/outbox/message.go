// Package outbox persists and delivers run notifications.
package outbox

import (
	"context"
	"fmt"
	"time"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/events"
)

// DefaultTopic is the Kafka topic run notifications are published to.
const DefaultTopic = "run_notifications"

// AggregateType labels outbox rows written for tracked entities.
const AggregateType = "tracked_entity"

// Message represents an outbox row.
type Message struct {
	EventID       int64
	TenantID      string
	DestinationID string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	DedupeKey     string
	Payload       []byte
	CreatedAt     time.Time
}

// Store claims pending rows and records their outcome.
type Store interface {
	Claim(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, messages []Message) error
	MoveToDLQ(ctx context.Context, msg Message, reason string) error
}

// SchemaCatalogEntry maps an event type to its schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.RunCompletedType: {Schema: runCompletedSchema},
}

// NewMessage builds the outbox row for a routed activity commit. The dedupe key is derived
// from the record so re-deriving the same run never enqueues a second notification.
func NewMessage(commit domain.ActivityCommit, topic string) (Message, error) {
	if commit.Notification == nil {
		return Message{}, fmt.Errorf("commit for %s carries no notification", commit.Record.DedupeKey())
	}
	if topic == "" {
		topic = DefaultTopic
	}
	n := commit.Notification
	return Message{
		TenantID:      n.TenantID,
		DestinationID: n.DestinationID,
		AggregateType: AggregateType,
		AggregateID:   commit.Record.EntityID,
		EventType:     events.RunCompletedType,
		Topic:         topic,
		SchemaSubject: topic + "-value",
		PartitionKey:  n.TenantID,
		DedupeKey:     commit.Record.DedupeKey(),
		Payload:       n.Payload,
	}, nil
}
