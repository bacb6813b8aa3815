package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chat-bridge/pkg/config"
	"chat-bridge/pkg/database"
	"chat-bridge/pkg/mq"
	"chat-bridge/pkg/observability"
	"chat-bridge/pkg/outbox"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required for the outbox publisher")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	// Ensure topology exists; safe if already declared
	queue := mq.NewManager(mq.Config{
		URL:            cfg.RabbitMQURL,
		Queue:          cfg.QueueName,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)
	if err := queue.Connect(ctx); err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer queue.Close()

	relay := outbox.NewRelay(dbClient, queue, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return observability.MetricsServer(gctx, cfg.MetricsAddrFor(config.Publisher)) })

	logger.Info("outbox publisher started", "queue", cfg.QueueName, "interval", cfg.OutboxPollInterval)
	if err := g.Wait(); err != nil {
		logger.Error("publisher stopped with error", "error", err)
	}
	logger.Info("publisher stopped")
}
