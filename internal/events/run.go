// Package events defines the payloads carried through the notification outbox.
package events

import (
	"time"

	"github.com/goccy/go-json"
)

const (
	// RunCompletedType is the event type for a newly observed run.
	RunCompletedType = "run.completed"
	// RunCompletedVersion is the current payload version.
	RunCompletedVersion = "v1"
)

// RunCompleted is emitted once per novel run that could be routed to a destination.
type RunCompleted struct {
	TenantID      string          `json:"tenant_id"`
	DestinationID string          `json:"destination_id"`
	EntityID      string          `json:"entity_id"`
	ActivityID    string          `json:"activity_id"`
	IDSource      string          `json:"id_source"`
	Player        string          `json:"player"`
	Region        string          `json:"region"`
	CompletedAt   time.Time       `json:"completed_at"`
	Season        string          `json:"season,omitempty"`
	Message       json.RawMessage `json:"message"`
	Version       string          `json:"version"`
}

// Decode parses a RunCompleted payload.
func Decode(payload []byte) (RunCompleted, error) {
	var evt RunCompleted
	if err := json.Unmarshal(payload, &evt); err != nil {
		return RunCompleted{}, err
	}
	return evt, nil
}
