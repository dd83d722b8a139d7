// Command server exposes the status API: durable job state, validated
// invoices, and presigned page URLs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/scanvault/scanvault/internal/api"
	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/database"
	"github.com/scanvault/scanvault/internal/objectstore"
	"github.com/scanvault/scanvault/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Str("service", "api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := repository.NewJobRepository(pool)

	store, err := objectstore.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init storage")
	}

	srv := api.New(cfg, repo, store, log)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
