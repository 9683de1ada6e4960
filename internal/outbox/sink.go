package outbox

import (
	"context"
	"fmt"

	"example.com/runtracker/internal/events"
	"example.com/runtracker/internal/notify"
)

// SinkPublisher delivers rows straight to a notification sink, one message at a time.
type SinkPublisher struct {
	sink notify.Sink
}

// NewSinkPublisher wraps sink.
func NewSinkPublisher(sink notify.Sink) *SinkPublisher {
	return &SinkPublisher{sink: sink}
}

// Publish delivers each message. Failures are collected into a *DeliveryError so the rest of
// the batch is still marked published.
func (p *SinkPublisher) Publish(ctx context.Context, messages []Message) error {
	failed := make(map[int64]error)
	for _, msg := range messages {
		if msg.EventType != events.RunCompletedType {
			failed[msg.EventID] = fmt.Errorf("no sink route for event_type=%s", msg.EventType)
			continue
		}
		evt, err := events.Decode(msg.Payload)
		if err != nil {
			failed[msg.EventID] = fmt.Errorf("decode payload: %w", err)
			continue
		}
		if err := p.sink.Deliver(ctx, evt); err != nil {
			failed[msg.EventID] = err
		}
	}
	if len(failed) > 0 {
		return &DeliveryError{Failed: failed}
	}
	return nil
}
