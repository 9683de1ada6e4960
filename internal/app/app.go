// Package app wires the tracker's components from configuration. The tracker service and
// the operator CLI build the same graph.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"example.com/runtracker/internal/config"
	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/metadata"
	"example.com/runtracker/internal/notify"
	"example.com/runtracker/internal/outbox"
	"example.com/runtracker/internal/persistence/memory"
	"example.com/runtracker/internal/persistence/postgres"
	"example.com/runtracker/internal/resolver"
	"example.com/runtracker/internal/scheduler"
	"example.com/runtracker/internal/tracker"
	"example.com/runtracker/internal/upstream"
)

// Store is everything the tracker persists: entities, runs, bindings and the outbox.
type Store interface {
	domain.Repository
	outbox.Store
}

// App holds the wired components.
type App struct {
	Config   config.Config
	Pool     *pgxpool.Pool
	Store    Store
	Client   *upstream.Client
	Metadata *metadata.Cache
	Service  *domain.Service
	Pipeline *tracker.Pipeline
	Poller   *scheduler.Poller

	// Announcer tracks a player and announces their latest run straight away.
	Announcer *tracker.Announcer

	logger  zerolog.Logger
	closers []func()
}

// New connects to the configured store and builds the pipeline. The metadata cache is
// loaded from disk but not refreshed.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg, logger: logging.WithComponent("app")}

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.Pool = pool
		a.closers = append(a.closers, pool.Close)
		a.Store = postgresStore{
			Repository:    postgres.NewRepository(pool, postgres.WithTopic(cfg.NotificationTopic)),
			PostgresStore: outbox.NewPostgresStore(pool),
		}
	default:
		a.logger.Warn().Msg("using the in-memory store; state is lost on restart")
		a.Store = memory.NewStore(cfg.NotificationTopic)
	}

	seasons := upstream.Seasons{Current: cfg.CurrentSeason, Prior: cfg.PriorSeasons}
	a.Client = upstream.NewClient(upstream.Config{
		BaseURL:            cfg.RaiderIOAPIURL,
		AccessKey:          cfg.APIAccessKey,
		Expansion:          cfg.CurrentExpansion,
		Seasons:            seasons,
		SeasonShortName:    cfg.CurrentSeasonShort,
		RequestTimeout:     cfg.RequestTimeout,
		RatePerSecond:      cfg.UpstreamRate,
		Burst:              cfg.UpstreamBurst,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
	})

	a.Metadata = metadata.NewCache(a.Client,
		metadata.WithStore(metadata.NewFileStore(cfg.MetadataCachePath)),
		metadata.WithMaxAge(cfg.MetadataMaxAge),
		metadata.WithPartition(cfg.CurrentSeason),
	)
	if err := a.Metadata.Load(); err != nil {
		a.logger.Warn().Err(err).Str("path", cfg.MetadataCachePath).Msg("metadata cache not loaded, starting empty")
	}

	sessions := tracker.ClientSessions(a.Client)
	a.Service = domain.NewService(a.Store, domain.WithBaseliner(tracker.NewBaseliner(sessions)))

	router := notify.NewRouter(a.Store)
	renderer := notify.Renderer{Metadata: a.Metadata, Season: cfg.CurrentSeason, DefaultColor: cfg.EmbedColor}
	a.Pipeline = tracker.NewPipeline(a.Store, router, renderer, resolver.SeasonPolicy{Seasons: seasons})
	a.Announcer = tracker.NewAnnouncer(a.Service, a.Pipeline, sessions)
	a.Poller = scheduler.NewPoller(a.Store, a.Pipeline, sessions, cfg.CheckInterval, scheduler.WithWorkers(cfg.WorkerCount))

	return a, nil
}

// Publisher builds the outbox publisher for the configured sink. The returned func
// releases its connections.
func (a *App) Publisher() (outbox.Publisher, func(), error) {
	cfg := a.Config
	switch cfg.NotificationSink {
	case config.SinkKafka:
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		release := func() {
			if err := producer.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("close kafka producer")
			}
		}
		if cfg.SchemaRegistryURL == "" {
			return outbox.NewKafkaPublisher(producer, nil), release, nil
		}
		return outbox.NewKafkaPublisher(producer, outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)), release, nil
	default:
		sink, err := NewSink(cfg)
		if err != nil {
			return nil, nil, err
		}
		return outbox.NewSinkPublisher(sink), func() {}, nil
	}
}

// NewSink builds the delivery sink: the webhook relay when configured, otherwise the log.
func NewSink(cfg config.Config) (notify.Sink, error) {
	switch {
	case cfg.WebhookURL != "":
		return notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookToken), nil
	case cfg.NotificationSink == config.SinkWebhook:
		return nil, errors.New("webhook sink selected without webhook_url")
	default:
		logger := logging.WithComponent("log-sink")
		return notify.NewLogSink(&logger), nil
	}
}

// Dispatcher builds the outbox dispatcher over publisher.
func (a *App) Dispatcher(publisher outbox.Publisher) *outbox.Dispatcher {
	return outbox.NewDispatcher(a.Store, publisher, a.Config.OutboxPoll, a.Config.OutboxBatchSize)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type postgresStore struct {
	*postgres.Repository
	*outbox.PostgresStore
}
