// Package worker consumes OCR jobs from the queue and writes their results
// back to the job rows the pipeline polls.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/scanvault/scanvault/internal/ocr"
	"github.com/scanvault/scanvault/internal/queue"
	"github.com/scanvault/scanvault/internal/repository"
)

// PageStore is the slice of object storage the worker needs.
type PageStore interface {
	GetPage(ctx context.Context, key string) ([]byte, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	repo   *repository.JobRepository
	pages  PageStore
	engine ocr.Engine
	log    zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo *repository.JobRepository, pages PageStore, engine ocr.Engine, log zerolog.Logger) *Processor {
	return &Processor{repo: repo, pages: pages, engine: engine, log: log}
}

// Handler registers the ocr:process job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessJobTask, p.handleProcess)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	failure := func(err error) error {
		p.log.Error().Str("job", payload.JobID).Err(err).Msg("ocr job failed")
		_ = p.repo.MarkFailed(ctx, payload.JobID, err.Error())
		return err
	}
	if err := p.repo.MarkProcessing(ctx, payload.JobID); err != nil {
		return failure(err)
	}

	var text strings.Builder
	for _, key := range payload.ObjectKeys {
		data, err := p.pages.GetPage(ctx, key)
		if err != nil {
			return failure(err)
		}
		pageText, err := p.engine.RecognizePage(ctx, data, contentTypeForKey(key))
		if err != nil {
			return failure(fmt.Errorf("recognize %s: %w", key, err))
		}
		text.WriteString(pageText)
		text.WriteString("\n")
	}

	result := ocr.ParseInvoiceText(text.String())
	encoded, err := json.Marshal(result)
	if err != nil {
		return failure(fmt.Errorf("encode result: %w", err))
	}
	if err := p.repo.MarkCompleted(ctx, payload.JobID, encoded); err != nil {
		return failure(err)
	}
	p.log.Info().
		Str("job", payload.JobID).
		Int("pages", len(payload.ObjectKeys)).
		Int("items", len(result.LineItems)).
		Msg("ocr job completed")
	return nil
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}
