package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// MemoryStore is an in-memory Store used by tests and offline runs. It uses
// an RWMutex so concurrent status polls don't serialize behind writers.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// CreateJob accepts a new job record in Created state and assigns its id.
func (m *MemoryStore) CreateJob(ctx context.Context, sessionID string, inputKeys []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	id := uuid.NewString()
	keys := make([]string, len(inputKeys))
	copy(keys, inputKeys)
	m.jobs[id] = &Job{
		ID:        id,
		SessionID: sessionID,
		InputKeys: keys,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// GetJobStatus reports the current snapshot for a job.
func (m *MemoryStore) GetJobStatus(ctx context.Context, jobID string) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Observation{}, ErrNotFound
	}
	return Observation{
		Status:        j.Status,
		ResultPayload: j.ResultPayload,
		ErrorDetail:   j.ErrorDetail,
	}, nil
}

// Get returns a copy of the full job record.
func (m *MemoryStore) Get(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// SetStatus moves a job to status, simulating the external worker.
func (m *MemoryStore) SetStatus(jobID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete marks a job completed with its result payload.
func (m *MemoryStore) Complete(jobID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusCompleted
	j.ResultPayload = payload
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks a job failed with an error detail.
func (m *MemoryStore) Fail(jobID string, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusFailed
	j.ErrorDetail = detail
	j.UpdatedAt = time.Now().UTC()
	return nil
}
