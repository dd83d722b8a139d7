// Command scanvault is the client CLI: it drives one document through the
// capture → upload → OCR pipeline and prints the extracted invoice.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scanvault/scanvault/internal/capture"
	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/database"
	"github.com/scanvault/scanvault/internal/job"
	"github.com/scanvault/scanvault/internal/objectstore"
	"github.com/scanvault/scanvault/internal/pipeline"
	"github.com/scanvault/scanvault/internal/queue"
	"github.com/scanvault/scanvault/internal/repository"
	"github.com/scanvault/scanvault/internal/upload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scanvault: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scanvault",
		Short:        "Scan documents into structured invoices",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newScanCmd(),
		newStatusCmd(),
	)
	return cmd
}

func newScanCmd() *cobra.Command {
	var (
		spoolDir  string
		pageLimit int
		timeout   time.Duration
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan: capture spooled pages, upload, track OCR, print the invoice",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if spoolDir != "" {
				cfg.SpoolDir = spoolDir
			}
			if pageLimit > 0 {
				cfg.PageLimit = pageLimit
			}
			if timeout > 0 {
				cfg.JobTimeout = timeout
			}
			log := newLogger(verbose)

			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			repo := repository.NewJobRepository(pool)

			store, err := objectstore.New(cfg)
			if err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			if err := store.EnsureBucket(ctx); err != nil {
				return fmt.Errorf("ensure bucket: %w", err)
			}

			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer client.Close()
			jobStore := queue.NewStore(repo, client)

			gate := capture.NewSpoolGate(cfg.SpoolDir)
			device := capture.NewDirDevice(cfg.SpoolDir)
			orch := capture.NewOrchestrator(gate, device, log)
			uploader := upload.New(store, upload.Options{
				Concurrency:    cfg.UploadConcurrency,
				Retries:        cfg.UploadRetries,
				BackoffBase:    cfg.UploadBackoffBase,
				BackoffCap:     cfg.UploadBackoffCap,
				AttemptTimeout: cfg.UploadAttemptTimeout,
			}, log)
			tracker := job.NewTracker(jobStore, job.TrackerOptions{
				PollInitial: cfg.PollInitial,
				PollCeiling: cfg.PollCeiling,
				Timeout:     cfg.JobTimeout,
			}, log)

			coordinator := pipeline.NewCoordinator(gate, orch, uploader, jobStore, tracker, log)
			coordinator.OnProgress(func(ev pipeline.Event) {
				fmt.Fprintf(os.Stderr, "  [%s] %s\n", ev.Stage, ev.State)
			})

			inv, err := coordinator.RunOneScan(ctx, cfg.PageLimit)
			if err != nil {
				return describeFailure(err)
			}
			return printJSON(inv)
		},
	}
	cmd.Flags().StringVar(&spoolDir, "spool-dir", "", "Directory the capture device drops pages into")
	cmd.Flags().IntVar(&pageLimit, "page-limit", 0, "Maximum pages per scan")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall OCR job timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the durable state of an OCR job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			repo := repository.NewJobRepository(pool)
			j, err := repo.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(j)
		},
	}
	return cmd
}

// describeFailure turns pipeline errors into actionable CLI messages: a
// denied spool directory reads differently from a timed-out job.
func describeFailure(err error) error {
	var stageErr *pipeline.Error
	if !errors.As(err, &stageErr) {
		return err
	}
	switch {
	case errors.Is(err, capture.ErrPermissionPermanentlyDenied):
		return fmt.Errorf("spool directory access denied; fix its permissions and retry: %w", err)
	case errors.Is(err, capture.ErrPermissionDenied):
		return fmt.Errorf("spool directory unavailable: %w", err)
	case errors.Is(err, capture.ErrCaptureCancelled):
		return fmt.Errorf("nothing to scan: the spool is empty")
	case errors.Is(err, job.ErrTimedOut):
		return fmt.Errorf("OCR did not finish in time; check later with 'scanvault status': %w", err)
	default:
		return err
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
