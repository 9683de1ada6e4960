package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/runtracker/internal/logging"
)

// Publisher hands a batch of messages to the transport. A *DeliveryError names the
// messages that failed when the rest of the batch went through.
type Publisher interface {
	Publish(ctx context.Context, messages []Message) error
}

// DeliveryError reports per-message failures from a partially delivered batch.
type DeliveryError struct {
	Failed map[int64]error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%d message(s) failed delivery", len(e.Failed))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher drains the outbox and hands rows to a Publisher. Rows that cannot be
// delivered are moved to the DLQ; every claimed row is marked published.
type Dispatcher struct {
	store            Store
	publisher        Publisher
	pollInterval     time.Duration
	batchSize        int
	logger           zerolog.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, publisher Publisher, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	d := &Dispatcher{
		store:            store,
		publisher:        publisher,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		logger:           logging.WithComponent("outbox"),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the polling loop until ctx is cancelled. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.shutdownComplete)
	_ = d.Serve(ctx)
}

// Wait waits until Start returns.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// Serve runs the polling loop and satisfies suture.Service.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("outbox dispatcher error")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) String() string { return "outbox-dispatcher" }

// Drain processes batches until the outbox is empty. Used by one-shot commands.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		n, err := d.processBatchCount(ctx)
		if err != nil {
			return err
		}
		if n < d.batchSize {
			return nil
		}
	}
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	_, err := d.processBatchCount(ctx)
	return err
}

func (d *Dispatcher) processBatchCount(ctx context.Context) (int, error) {
	start := time.Now()

	messages, err := d.store.Claim(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	pubErr := d.publisher.Publish(ctx, messages)
	var partial *DeliveryError
	switch {
	case pubErr == nil:
		deliveredCounter.Add(float64(len(messages)))
	case errors.As(pubErr, &partial):
		failed := make([]Message, 0, len(partial.Failed))
		for _, msg := range messages {
			if ferr, ok := partial.Failed[msg.EventID]; ok {
				failed = append(failed, msg)
				if err := d.moveToDLQ(ctx, msg, ferr.Error()); err != nil {
					return len(messages), err
				}
			}
		}
		deliveredCounter.Add(float64(len(messages) - len(failed)))
		failedCounter.Add(float64(len(failed)))
		d.logger.Warn().Int("failed", len(failed)).Int("batch", len(messages)).Msg("partial outbox delivery")
	default:
		d.logger.Error().Err(pubErr).Int("batch", len(messages)).Msg("outbox delivery failure")
		failedCounter.Add(float64(len(messages)))
		for _, msg := range messages {
			if err := d.moveToDLQ(ctx, msg, pubErr.Error()); err != nil {
				return len(messages), err
			}
		}
	}

	return len(messages), d.store.MarkPublished(ctx, messages)
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, msg Message, reason string) error {
	entryReason := fmt.Sprintf("%s (topic=%s)", reason, msg.Topic)
	if err := d.store.MoveToDLQ(ctx, msg, entryReason); err != nil {
		return err
	}
	dlqCounter.WithLabelValues(msg.Topic).Inc()
	return nil
}
