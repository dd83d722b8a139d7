// Package repository persists OCR job rows in Postgres so tracking can
// resume across process restarts.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scanvault/scanvault/internal/job"
)

// ErrNotFound is returned when no row exists for a job id.
var ErrNotFound = errors.New("job not found")

// JobRepository wraps all SQL used by the pipeline, the worker, and the
// status API.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository constructs a repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Create inserts a queued job row and assigns its id.
func (r *JobRepository) Create(ctx context.Context, sessionID string, inputKeys []string) (string, error) {
	keys, err := json.Marshal(inputKeys)
	if err != nil {
		return "", fmt.Errorf("marshal input keys: %w", err)
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO ocr_jobs (id, session_id, input_keys, status, result_payload, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULL,NULL,$5,$6)
	`, id, sessionID, string(keys), job.StatusQueued, now, now)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// Get returns a full job record by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*job.Job, error) {
	var (
		j        job.Job
		keysJSON string
		payload  sql.NullString
		errorMsg sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, session_id, input_keys, status, result_payload, error_message, created_at, updated_at
		FROM ocr_jobs WHERE id=$1
	`, id)
	if err := row.Scan(&j.ID, &j.SessionID, &keysJSON, &j.Status, &payload, &errorMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	if err := json.Unmarshal([]byte(keysJSON), &j.InputKeys); err != nil {
		return nil, fmt.Errorf("decode input keys: %w", err)
	}
	if payload.Valid {
		j.ResultPayload = json.RawMessage(payload.String)
	}
	if errorMsg.Valid {
		j.ErrorDetail = errorMsg.String
	}
	return &j, nil
}

// GetJobStatus reports the current snapshot for the tracker.
func (r *JobRepository) GetJobStatus(ctx context.Context, id string) (job.Observation, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return job.Observation{}, err
	}
	return job.Observation{
		Status:        j.Status,
		ResultPayload: j.ResultPayload,
		ErrorDetail:   j.ErrorDetail,
	}, nil
}

// MarkProcessing sets the status to processing.
func (r *JobRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, job.StatusProcessing, nil, nil)
}

// MarkFailed records a terminal failure with its server-side reason.
func (r *JobRepository) MarkFailed(ctx context.Context, id, msg string) error {
	return r.updateStatus(ctx, id, job.StatusFailed, nil, &msg)
}

// MarkCompleted records the result payload and terminal success.
func (r *JobRepository) MarkCompleted(ctx context.Context, id string, payload []byte) error {
	p := string(payload)
	return r.updateStatus(ctx, id, job.StatusCompleted, &p, nil)
}

func (r *JobRepository) updateStatus(ctx context.Context, id string, status job.Status, payload *string, errorMsg *string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE ocr_jobs
		SET status=$1,
			result_payload = COALESCE($2, result_payload),
			error_message = $3,
			updated_at=$4
		WHERE id=$5
	`, status, payload, errorMsg, now, id)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
