package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	_ "go.uber.org/automaxprocs"

	"gliderops-gateway/internal/config"
	"gliderops-gateway/internal/logging"
	"gliderops-gateway/internal/metrics"
	"gliderops-gateway/internal/server"
	"gliderops-gateway/pkg/natspub"
	"gliderops-gateway/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Local development convenience; absence of a .env file is normal.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := storage.Open(ctx, cfg.PostgresDSN())
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("open observation store")
	}
	defer store.Close()

	publisher, err := natspub.Connect(
		cfg.NATS.URL,
		cfg.NATS.MaxReconnects,
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		logger,
		m,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect nats")
	}

	srv := server.New(cfg, server.Dependencies{
		Registry:     registry,
		Metrics:      m,
		Observations: store,
		Publisher:    publisher,
	}, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
