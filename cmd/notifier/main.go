package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/runtracker/internal/app"
	"example.com/runtracker/internal/config"
	"example.com/runtracker/internal/consumer"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/supervisor"
	httptransport "example.com/runtracker/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger := logging.WithComponent("notifier")
		logger.Fatal().Err(err).Msg("notifier failed")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Timestamp: true, Output: os.Stderr})
	logger := logging.WithComponent("notifier")

	sink, err := app.NewSink(cfg)
	if err != nil {
		return fmt.Errorf("build delivery sink: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           cfg.NotificationTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn().Err(err).Msg("close kafka reader")
		}
	}()

	processor := consumer.NewProcessor(reader, consumer.NewDeliveryHandler(sink), consumer.WithRetry(5, time.Second))
	metricsServer := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.MetricsAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, promhttp.Handler())

	tree := supervisor.NewTree("run-notifier", logging.WithComponent("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddWorker(processor)
	tree.AddAPIService(httptransport.NewService("metrics-server", metricsServer, 10*time.Second))

	logger.Info().
		Str("topic", cfg.NotificationTopic).
		Str("group", cfg.ConsumerGroupID).
		Str("sink", sink.Name()).
		Msg("notifier started")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	logger.Info().Msg("notifier stopped")
	return nil
}
