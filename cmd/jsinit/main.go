// jsinit provisions the JetStream stream and durable consumers and exits.
// The long-running binaries provision on boot as well; this one exists for
// init containers and local bring-up scripts.
package main

import (
	"go.uber.org/zap"

	"github.com/jtownson/network-builder/internal/config"
	"github.com/jtownson/network-builder/internal/natsclient"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}
	if err := cfg.ApplyVault(); err != nil {
		logger.Fatal("Vault secret loading failed", zap.Error(err))
	}

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

	logger.Info("JetStream provisioning complete",
		zap.String("stream", cfg.JetStreamName),
		zap.Strings("subjects", cfg.JetStreamSubjects),
	)
}
