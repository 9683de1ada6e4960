package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/runtracker/internal/config"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/outbox"
	"example.com/runtracker/internal/supervisor"
	httptransport "example.com/runtracker/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger := logging.WithComponent("dlqmanager")
		logger.Fatal().Err(err).Msg("dlq manager failed")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Timestamp: true, Output: os.Stderr})
	logger := logging.WithComponent("dlqmanager")

	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("the dlq manager requires the postgres store, got %q", cfg.Store)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, outbox.WithPolling(cfg.DLQPollInterval, cfg.DLQBatchSize))
	metricsServer := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.MetricsAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, promhttp.Handler())

	tree := supervisor.NewTree("dlq-manager", logging.WithComponent("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddWorker(manager)
	tree.AddAPIService(httptransport.NewService("metrics-server", metricsServer, 10*time.Second))

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	logger.Info().Msg("dlq manager stopped")
	return nil
}
