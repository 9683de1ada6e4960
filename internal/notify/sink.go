package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"example.com/runtracker/internal/events"
	"example.com/runtracker/internal/logging"
)

// ErrRejected marks a delivery the destination refused. Retrying will not help.
var ErrRejected = errors.New("notify: delivery rejected")

// Sink delivers a notification to its destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt events.RunCompleted) error
}

type webhookBody struct {
	TenantID      string          `json:"tenant_id"`
	DestinationID string          `json:"destination_id"`
	EventKey      string          `json:"event_key"`
	Message       json.RawMessage `json:"message"`
}

// WebhookSink posts messages to a relay that owns the chat platform connection.
type WebhookSink struct {
	endpoint string
	token    string
	client   *http.Client
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		if client != nil {
			s.client = client
		}
	}
}

// NewWebhookSink builds a sink posting to endpoint with an optional bearer token.
func NewWebhookSink(endpoint, token string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSink) Name() string { return "webhook" }

// Deliver posts one message. 4xx answers other than 429 wrap ErrRejected.
func (s *WebhookSink) Deliver(ctx context.Context, evt events.RunCompleted) (err error) {
	start := time.Now()
	defer func() { observe(s.Name(), start, err) }()

	body, err := json.Marshal(webhookBody{
		TenantID:      evt.TenantID,
		DestinationID: evt.DestinationID,
		EventKey:      evt.EntityID + ":" + evt.IDSource + ":" + evt.ActivityID,
		Message:       evt.Message,
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("post notification: status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}

// LogSink writes notifications to the log. Used for local runs.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a LogSink. A zero logger uses the component logger.
func NewLogSink(logger *zerolog.Logger) *LogSink {
	if logger == nil {
		l := logging.WithComponent("log-sink")
		logger = &l
	}
	return &LogSink{logger: *logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, evt events.RunCompleted) error {
	var msg Message
	_ = json.Unmarshal(evt.Message, &msg)
	s.logger.Info().
		Str("tenant_id", evt.TenantID).
		Str("destination_id", evt.DestinationID).
		Str("player", evt.Player).
		Str("title", msg.Title).
		Time("completed_at", evt.CompletedAt).
		Msg("run notification")
	observe(s.Name(), time.Now(), nil)
	return nil
}

func observe(sink string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, ErrRejected) {
			result = "rejected"
		}
	}
	deliveries.WithLabelValues(sink, result).Inc()
	deliveryLatency.WithLabelValues(sink).Observe(time.Since(start).Seconds())
}
