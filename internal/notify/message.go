package notify

import (
	"time"

	"github.com/goccy/go-json"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/events"
)

// Message is the rendered, sink-agnostic notification.
type Message struct {
	Title    string  `json:"title"`
	URL      string  `json:"url,omitempty"`
	Color    int     `json:"color"`
	ImageURL string  `json:"image_url,omitempty"`
	Author   Author  `json:"author"`
	Fields   []Field `json:"fields"`
	Footer   string  `json:"footer,omitempty"`
}

// Author is the line crediting the tracked player.
type Author struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Field is one labelled block of the message.
type Field struct {
	Label  string `json:"label"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Field returns the value of the first field with label.
func (m Message) Field(label string) (string, bool) {
	for _, f := range m.Fields {
		if f.Label == label {
			return f.Value, true
		}
	}
	return "", false
}

// BuildNotification wraps a rendered message in the event payload stored in the outbox.
func BuildNotification(dest Destination, entity domain.TrackedEntity, record domain.ActivityRecord, msg Message) (*domain.Notification, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	evt := events.RunCompleted{
		TenantID:      dest.TenantID,
		DestinationID: dest.DestinationID,
		EntityID:      entity.ID,
		ActivityID:    record.ID.Value,
		IDSource:      string(record.ID.Source),
		Player:        entity.Identity.String(),
		Region:        entity.Region,
		CompletedAt:   record.CompletedAt.UTC().Truncate(time.Millisecond),
		Season:        record.Season,
		Message:       body,
		Version:       events.RunCompletedVersion,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &domain.Notification{
		TenantID:      dest.TenantID,
		DestinationID: dest.DestinationID,
		Payload:       payload,
	}, nil
}
