// Package job models the asynchronous OCR unit of work and tracks its
// lifecycle against a backing job store.
package job

import (
	"context"
	"encoding/json"
	"time"
)

// Status enumerates the lifecycle of an OCR job.
type Status string

const (
	// StatusCreated is entered the instant the job record is accepted by the
	// backing store. Queued and Processing are externally reported states
	// that this package observes, never drives.
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// rank orders statuses so only forward transitions are accepted. The three
// terminal states share a rank: once terminal, nothing moves.
func rank(s Status) int {
	switch s {
	case StatusCreated:
		return 0
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return 3
	}
	return -1
}

// Job is one OCR unit of work referencing uploaded page objects. Rows
// persist beyond a pipeline run so tracking can resume by id.
type Job struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId,omitempty"`
	InputKeys     []string        `json:"inputKeys"`
	Status        Status          `json:"status"`
	ResultPayload json.RawMessage `json:"resultPayload,omitempty"`
	ErrorDetail   string          `json:"errorDetail,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Observation is one externally reported snapshot of a job's state.
type Observation struct {
	Status        Status
	ResultPayload json.RawMessage
	ErrorDetail   string
}

// Observe applies an observation to the job, accepting forward transitions
// only. Out-of-order or repeated observations are ignored, not errors, so
// at-least-once delivery of status updates is harmless. It reports whether
// the job's state changed.
func (j *Job) Observe(obs Observation) bool {
	if rank(obs.Status) <= rank(j.Status) {
		return false
	}
	j.Status = obs.Status
	j.UpdatedAt = time.Now().UTC()
	switch obs.Status {
	case StatusCompleted:
		j.ResultPayload = obs.ResultPayload
	case StatusFailed:
		j.ErrorDetail = obs.ErrorDetail
	}
	return true
}

// Store is the backing job store/queue contract. CreateJob accepts a job
// referencing uploaded object keys and returns its server-assigned id;
// GetJobStatus reports the current snapshot.
type Store interface {
	CreateJob(ctx context.Context, sessionID string, inputKeys []string) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (Observation, error)
}
