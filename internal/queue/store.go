package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/scanvault/scanvault/internal/job"
	"github.com/scanvault/scanvault/internal/repository"
)

// Store is the production job.Store: a Postgres row fronted by an asynq task
// so the OCR worker picks the job up. The row is the durable record the
// tracker polls; the task is only the wake-up call.
type Store struct {
	repo   *repository.JobRepository
	client *asynq.Client
}

// NewStore constructs a queue-fronted job store.
func NewStore(repo *repository.JobRepository, client *asynq.Client) *Store {
	return &Store{repo: repo, client: client}
}

// CreateJob inserts the job row and enqueues the processing task.
func (s *Store) CreateJob(ctx context.Context, sessionID string, inputKeys []string) (string, error) {
	id, err := s.repo.Create(ctx, sessionID, inputKeys)
	if err != nil {
		return "", err
	}
	payload := ProcessPayload{
		JobID:      id,
		SessionID:  sessionID,
		ObjectKeys: inputKeys,
	}
	if err := EnqueueProcess(ctx, s.client, payload); err != nil {
		// The row exists but nothing will process it; mark it failed so the
		// tracker reports a reason instead of timing out.
		_ = s.repo.MarkFailed(ctx, id, "enqueue failed: "+err.Error())
		return "", fmt.Errorf("create job %s: %w", id, err)
	}
	return id, nil
}

// GetJobStatus reports the row's current snapshot.
func (s *Store) GetJobStatus(ctx context.Context, jobID string) (job.Observation, error) {
	return s.repo.GetJobStatus(ctx, jobID)
}
