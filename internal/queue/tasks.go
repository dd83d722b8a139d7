// Package queue defines the asynq tasks handed to the OCR worker and the
// queue-fronted job store the pipeline submits through.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ProcessJobTask is scheduled once per created OCR job.
	ProcessJobTask = "ocr:process"
)

// ProcessPayload is serialized into the task payload so the worker knows
// which job row to update and which page objects to fetch.
type ProcessPayload struct {
	JobID      string   `json:"job_id"`
	SessionID  string   `json:"session_id"`
	ObjectKeys []string `json:"object_keys"`
}

// EnqueueProcess enqueues an OCR processing job.
func EnqueueProcess(ctx context.Context, client *asynq.Client, payload ProcessPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessJobTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue ocr task: %w", err)
	}
	return nil
}
