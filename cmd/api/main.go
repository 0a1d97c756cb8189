// @title        Network Builder API
// @version      1.0
// @description  Message ingest and connections ranking over the clustering pipeline.
// @host         localhost:8080
// @BasePath     /
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/jtownson/network-builder/internal/config"
	"github.com/jtownson/network-builder/internal/handler"
	"github.com/jtownson/network-builder/internal/natsclient"
	db "github.com/jtownson/network-builder/internal/repository/db"
	"github.com/jtownson/network-builder/internal/service"
	"github.com/jtownson/network-builder/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "network-builder-api", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "network-builder-api", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// ── Configuration (env + Vault overlay) ────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}
	if err := cfg.ApplyVault(); err != nil {
		logger.Fatal("Vault secret loading failed", zap.Error(err))
	}

	// ── Database ───────────────────────────────────────────────────────────
	pool, err := db.NewPool(context.Background(), cfg.DSN())
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database (OTel-instrumented)")

	// ── NATS JetStream ─────────────────────────────────────────────────────
	natsClient, err := natsclient.NewClient(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("NATS initialization failed", zap.Error(err))
	}
	defer natsClient.Close()

	// Ensure the pipeline stream and durables exist before accepting traffic.
	if err := natsClient.ProvisionStream(cfg.JetStreamName, cfg.JetStreamSubjects); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}
	if err := natsClient.EnsureConsumers(cfg.JetStreamName); err != nil {
		logger.Fatal("NATS consumer provisioning failed", zap.Error(err))
	}

	// ── Services ───────────────────────────────────────────────────────────
	ingestSvc := service.NewIngestService(natsClient.JS, logger)
	connectionsSvc := service.NewConnectionsService(db.New(pool), logger)

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("network-builder-api"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.RegisterRoutes(e, ingestSvc, connectionsSvc, logger)

	go func() {
		logger.Info("API server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("API server shut down cleanly")
}
