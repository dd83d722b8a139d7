// Command ocrworker consumes OCR jobs from the queue, recognizes page text,
// and writes invoice result payloads back to the job rows.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/database"
	"github.com/scanvault/scanvault/internal/objectstore"
	"github.com/scanvault/scanvault/internal/ocr"
	"github.com/scanvault/scanvault/internal/repository"
	"github.com/scanvault/scanvault/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Str("service", "ocrworker").Logger()

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
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure bucket")
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.ProcessingPool,
	})
	engine := ocr.NewTesseract(cfg.OCRLanguage)
	processor := worker.NewProcessor(repo, store, engine, log)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info().Int("concurrency", cfg.ProcessingPool).Msg("worker starting")
	if err := server.Run(mux); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}
