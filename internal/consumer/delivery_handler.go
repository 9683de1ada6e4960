package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"example.com/runtracker/internal/events"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/notify"
	"example.com/runtracker/internal/observability"
)

// DeliveryHandler hands run notifications to a sink.
type DeliveryHandler struct {
	sink   notify.Sink
	logger zerolog.Logger
	now    func() time.Time
}

// NewDeliveryHandler constructs a handler delivering through sink.
func NewDeliveryHandler(sink notify.Sink) *DeliveryHandler {
	return &DeliveryHandler{sink: sink, logger: logging.WithComponent("delivery"), now: time.Now}
}

// Handle decodes a run.completed payload and delivers it. A payload the sink rejects outright
// is logged and acknowledged so it does not block the partition.
func (h *DeliveryHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.RunCompletedType {
		h.logger.Warn().Str("event_type", msg.EventType).Msg("ignoring unexpected event type")
		return nil
	}
	evt, err := events.Decode(msg.Payload)
	if err != nil {
		h.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("undecodable run payload")
		return nil
	}
	if msg.TenantID != "" && evt.TenantID != msg.TenantID {
		h.logger.Error().Str("header_tenant", msg.TenantID).Str("payload_tenant", evt.TenantID).Msg("tenant mismatch")
		return nil
	}

	if err := h.sink.Deliver(ctx, evt); err != nil {
		if errors.Is(err, notify.ErrRejected) {
			h.logger.Error().Err(err).
				Str("tenant_id", evt.TenantID).
				Str("destination_id", evt.DestinationID).
				Msg("notification rejected by sink")
			return nil
		}
		return err
	}
	observability.RecordNotificationDelivered(h.now())
	return nil
}
