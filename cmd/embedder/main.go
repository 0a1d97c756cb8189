package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jtownson/network-builder/internal/config"
	"github.com/jtownson/network-builder/internal/consumer"
	"github.com/jtownson/network-builder/internal/embed"
	"github.com/jtownson/network-builder/internal/natsclient"
	db "github.com/jtownson/network-builder/internal/repository/db"
	"github.com/jtownson/network-builder/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "network-builder-embedder", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "network-builder-embedder", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}
	if err := cfg.ApplyVault(); err != nil {
		logger.Fatal("Vault secret loading failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsClient, err := natsclient.NewClient(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStream(cfg.JetStreamName, cfg.JetStreamSubjects); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}
	if err := natsClient.EnsureConsumers(cfg.JetStreamName); err != nil {
		logger.Fatal("NATS consumer provisioning failed", zap.Error(err))
	}

	// The embedder only touches Postgres when persistence is on; without it
	// the worker runs broker-to-broker.
	var querier db.Querier
	if cfg.EmbedPersistToDB {
		pool, err := db.NewPool(ctx, cfg.DSN())
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		querier = db.New(pool)
		logger.Info("embedding persistence enabled")
	}

	provider := embed.New(cfg, logger)
	worker := consumer.NewEmbedderConsumer(natsClient, provider, querier, cfg.JetStreamName, logger)
	if err := worker.Start(ctx); err != nil {
		logger.Fatal("embedder consumer failed to start", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("embedder shut down cleanly")
}
