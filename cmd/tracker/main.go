package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/runtracker/internal/api"
	"example.com/runtracker/internal/app"
	"example.com/runtracker/internal/auth"
	"example.com/runtracker/internal/config"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/metadata"
	"example.com/runtracker/internal/supervisor"
	httptransport "example.com/runtracker/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger := logging.WithComponent("tracker")
		logger.Fatal().Err(err).Msg("run tracker failed")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Timestamp: true, Output: os.Stderr})
	logger := logging.WithComponent("tracker")

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialise tracker: %w", err)
	}
	defer a.Close()

	publisher, releasePublisher, err := a.Publisher()
	if err != nil {
		return fmt.Errorf("build notification publisher: %w", err)
	}
	defer releasePublisher()

	handler := api.NewHandler(a.Service, api.WithMetadata(a.Metadata), api.WithChecks(a.Poller), api.WithAnnouncer(a.Announcer))
	router := api.NewRouter(handler, auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, router)

	tree := supervisor.NewTree("run-tracker", logging.WithComponent("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddWorker(a.Poller)
	tree.AddWorker(a.Dispatcher(publisher))
	tree.AddWorker(&metadata.Refresher{Cache: a.Metadata, Interval: cfg.MetadataCheckInterval})
	tree.AddAPIService(httptransport.NewService("api-server", server, 15*time.Second))

	logger.Info().
		Str("address", cfg.HTTPAddress).
		Str("store", cfg.Store).
		Str("sink", cfg.NotificationSink).
		Str("season", cfg.CurrentSeason).
		Dur("check_interval", cfg.CheckInterval).
		Msg("run tracker starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		logger.Warn().Int("services", len(unstopped)).Msg("services did not stop within the shutdown timeout")
	}
	logger.Info().Msg("run tracker stopped")
	return nil
}
