package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-bridge/pkg/assistant"
	"chat-bridge/pkg/config"
	"chat-bridge/pkg/consumer"
	"chat-bridge/pkg/database"
	"chat-bridge/pkg/dispatch"
	"chat-bridge/pkg/inbound"
	"chat-bridge/pkg/mq"
	"chat-bridge/pkg/observability"
	"chat-bridge/pkg/transport"

	"golang.org/x/sync/errgroup"
)

const inboundConcurrency = 4

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recorder consumer.Recorder
	if cfg.DatabaseURL != "" {
		dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		if err := dbClient.InitSchema(ctx); err != nil {
			logger.Error("failed to initialize schema", "error", err)
		}
		recorder = dbClient
	} else {
		logger.Info("DATABASE_URL not set, delivery ledger disabled")
	}

	gateway := transport.NewGateway(transport.GatewayConfig{
		BaseURL:        cfg.GatewayURL,
		Session:        cfg.GatewaySession,
		APIKey:         cfg.GatewayAPIKey,
		ReconnectDelay: cfg.ReconnectDelay,
	}, nil, logger)

	var generator inbound.Generator
	if cfg.GenerateURL != "" {
		generator = assistant.New(cfg.GenerateURL, cfg.GenerateModel, nil)
	}
	router := inbound.NewRouter(gateway, generator, inbound.Config{
		AssistantPrefix: cfg.AssistantPrefix,
		AssistantRate:   cfg.AssistantRate,
	}, logger)
	// inbound handlers may wait on the assistant; keep them off the event loop
	handlers := new(errgroup.Group)
	handlers.SetLimit(inboundConcurrency)
	gateway.OnMessage(func(ctx context.Context, msg transport.InboundMessage) {
		handlers.Go(func() error {
			router.Handle(ctx, msg)
			return nil
		})
	})

	queue := mq.NewManager(mq.Config{
		URL:            cfg.RabbitMQURL,
		Queue:          cfg.QueueName,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)

	dispatcher := dispatch.New(gateway, dispatch.NewHTTPFetcher(cfg.MediaFetchTimeout, cfg.MediaMaxBytes), dispatch.Config{
		AddressSuffix: cfg.AddressSuffix,
		SendDelay:     cfg.SendDelay,
	}, logger)

	c := consumer.New(queue, gateway, dispatcher, recorder, consumer.Config{
		ReadyWait:      cfg.ReadyWait,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gateway.Run(gctx) })
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return observability.MetricsServer(gctx, cfg.MetricsAddrFor(config.Worker)) })

	logger.Info("bridge worker started", "queue", cfg.QueueName, "gateway", cfg.GatewayURL)
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", "error", err)
	}

	logger.Info("shutting down")
	handlers.Wait()
	queue.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateway.Close(closeCtx); err != nil {
		logger.Warn("failed to close chat session", "error", err)
	}
	logger.Info("worker stopped gracefully")
}
