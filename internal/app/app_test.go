package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/runtracker/internal/config"
	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/notify"
	"example.com/runtracker/internal/outbox"
	"example.com/runtracker/internal/persistence/memory"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Store:             config.StoreMemory,
		RaiderIOAPIURL:    "http://127.0.0.1:1",
		RequestTimeout:    time.Second,
		UpstreamRate:      1,
		UpstreamBurst:     1,
		CurrentSeason:     "season-tww-3",
		CheckInterval:     time.Minute,
		WorkerCount:       2,
		MetadataCachePath: filepath.Join(t.TempDir(), "dungeon_cache.json"),
		MetadataMaxAge:    time.Hour,
		NotificationSink:  config.SinkLog,
		NotificationTopic: "run_notifications",
		OutboxPoll:        time.Second,
		OutboxBatchSize:   10,
	}
}

func TestNewWiresMemoryStore(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer a.Close()

	require.IsType(t, &memory.Store{}, a.Store)
	require.Nil(t, a.Pool)
	require.NotNil(t, a.Service)
	require.NotNil(t, a.Pipeline)
	require.NotNil(t, a.Poller)
	require.True(t, a.Metadata.Snapshot().IsZero(), "missing cache file starts empty")

	binding, err := a.Service.SetDestination(context.Background(), "guild", "chan-1")
	require.NoError(t, err)
	require.Equal(t, "chan-1", binding.DestinationID)

	_, err = a.Poller.CheckOne(context.Background(), "guild", "missing")
	require.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestPublisherFallsBackToSink(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer a.Close()

	publisher, release, err := a.Publisher()
	require.NoError(t, err)
	defer release()
	require.IsType(t, &outbox.SinkPublisher{}, publisher)
	require.NotNil(t, a.Dispatcher(publisher))
}

func TestNewSink(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		want    notify.Sink
		wantErr bool
	}{
		{name: "webhook url wins", cfg: config.Config{NotificationSink: config.SinkKafka, WebhookURL: "http://relay"}, want: &notify.WebhookSink{}},
		{name: "webhook without url", cfg: config.Config{NotificationSink: config.SinkWebhook}, wantErr: true},
		{name: "log by default", cfg: config.Config{NotificationSink: config.SinkLog}, want: &notify.LogSink{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink, err := NewSink(tc.cfg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.IsType(t, tc.want, sink)
		})
	}
}
