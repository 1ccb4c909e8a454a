package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"scanner-relay/config"
	"scanner-relay/internal/app"
	"scanner-relay/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		return 1
	}

	if err := logger.Init(cfg.Log.Environment, cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	log := logger.Named("scanrelayd")
	log.Info("configuration loaded", zap.String("path", configPath))

	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		log.Warn("VAPID keys are not configured; operator alerts will only be logged")
	}

	relay, err := app.New(cfg, logger.Logger)
	if err != nil {
		log.Error("failed to start relay", zap.Error(err))
		return 1
	}
	defer relay.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("relay running",
		zap.String("transport", cfg.Hub.Transport),
		zap.String("credentials", cfg.Hub.Credentials),
		zap.String("database", cfg.Database.Driver),
	)
	if err := relay.Run(ctx); err != nil {
		log.Error("relay stopped with error", zap.Error(err))
		return 1
	}

	log.Info("relay gracefully stopped")
	return 0
}
