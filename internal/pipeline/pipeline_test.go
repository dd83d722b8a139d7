package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanvault/scanvault/internal/capture"
	"github.com/scanvault/scanvault/internal/invoice"
	"github.com/scanvault/scanvault/internal/job"
	"github.com/scanvault/scanvault/internal/upload"
)

const acmePayload = `{
	"vendor": "Acme",
	"date": "2025-01-01",
	"lineItems": [
		{"description": "Widget", "quantity": 1, "unitPrice": 10.00, "amount": 10.00}
	],
	"total": 10.00,
	"currency": "USD"
}`

type stubGate struct {
	access capture.Access
}

func (g *stubGate) EnsureAccess(ctx context.Context) (capture.Access, error) {
	return g.access, nil
}

type stubDevice struct {
	paths []string
}

func (d *stubDevice) Capture(ctx context.Context, maxPages int) ([]string, error) {
	return d.paths, nil
}

type countingStore struct {
	mu   sync.Mutex
	puts int
}

func (s *countingStore) PutPage(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	return "s3://test-bucket/" + key, nil
}

func (s *countingStore) Bucket() string { return "test-bucket" }

func (s *countingStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// autoCompleteStore completes every created job with a fixed payload after
// the configured number of status queries.
type autoCompleteStore struct {
	mu         sync.Mutex
	payload    json.RawMessage
	fail       string
	afterPolls int
	queries    int
	created    [][]string
	neverDone  bool
}

func (s *autoCompleteStore) CreateJob(ctx context.Context, sessionID string, inputKeys []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, inputKeys)
	return fmt.Sprintf("job-%d", len(s.created)), nil
}

func (s *autoCompleteStore) GetJobStatus(ctx context.Context, jobID string) (job.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.neverDone || s.queries <= s.afterPolls {
		return job.Observation{Status: job.StatusProcessing}, nil
	}
	if s.fail != "" {
		return job.Observation{Status: job.StatusFailed, ErrorDetail: s.fail}, nil
	}
	return job.Observation{Status: job.StatusCompleted, ResultPayload: s.payload}, nil
}

func (s *autoCompleteStore) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func writeSpoolPages(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("page-%d.jpg", i))
		require.NoError(t, os.WriteFile(paths[i], []byte("image"), 0o600))
	}
	return paths
}

func newTestCoordinator(t *testing.T, gate capture.Gate, device capture.Device, pageStore upload.Store, jobStore job.Store) *Coordinator {
	t.Helper()
	log := zerolog.Nop()
	orch := capture.NewOrchestrator(gate, device, log)
	uploader := upload.New(pageStore, upload.Options{
		Concurrency:    3,
		Retries:        3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, log)
	tracker := job.NewTracker(jobStore, job.TrackerOptions{
		PollInitial: time.Millisecond,
		PollCeiling: 4 * time.Millisecond,
		Timeout:     time.Second,
	}, log)
	return NewCoordinator(gate, orch, uploader, jobStore, tracker, log)
}

func TestRunOneScanEndToEnd(t *testing.T) {
	gate := &stubGate{access: capture.AccessGranted}
	device := &stubDevice{paths: writeSpoolPages(t, 1)}
	pages := &countingStore{}
	jobs := &autoCompleteStore{payload: json.RawMessage(acmePayload), afterPolls: 2}
	coordinator := newTestCoordinator(t, gate, device, pages, jobs)

	var events []Event
	coordinator.OnProgress(func(ev Event) { events = append(events, ev) })

	inv, err := coordinator.RunOneScan(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "Acme", inv.Vendor)
	assert.Equal(t, 10.00, inv.Total)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, "job-1", inv.JobID)

	require.Len(t, jobs.created, 1)
	require.Len(t, jobs.created[0], 1)
	assert.Contains(t, jobs.created[0][0], "page-000.jpg")

	// One started/done pair per stage, in pipeline order.
	var done []Stage
	for _, ev := range events {
		if ev.State == StateDone {
			done = append(done, ev.Stage)
		}
	}
	assert.Equal(t, []Stage{StagePermission, StageCapture, StageUpload, StageSubmit, StageTrack, StageExtract}, done)
}

func TestRunOneScanTotalMismatch(t *testing.T) {
	payload := `{
		"vendor": "Acme",
		"date": "2025-01-01",
		"lineItems": [
			{"description": "Widget", "quantity": 1, "unitPrice": 10.00, "amount": 10.00}
		],
		"total": 11.00,
		"currency": "USD"
	}`
	gate := &stubGate{access: capture.AccessGranted}
	device := &stubDevice{paths: writeSpoolPages(t, 1)}
	jobs := &autoCompleteStore{payload: json.RawMessage(payload)}
	coordinator := newTestCoordinator(t, gate, device, &countingStore{}, jobs)

	_, err := coordinator.RunOneScan(context.Background(), 10)
	var stageErr *Error
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageExtract, stageErr.Stage)
	var invalid *invoice.InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "total", invalid.Field)
}

func TestRunOneScanEmptyCaptureSkipsUpload(t *testing.T) {
	gate := &stubGate{access: capture.AccessGranted}
	pages := &countingStore{}
	jobs := &autoCompleteStore{payload: json.RawMessage(acmePayload)}
	coordinator := newTestCoordinator(t, gate, &stubDevice{}, pages, jobs)

	_, err := coordinator.RunOneScan(context.Background(), 10)
	var stageErr *Error
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageCapture, stageErr.Stage)
	assert.ErrorIs(t, err, capture.ErrCaptureCancelled)
	assert.Zero(t, pages.putCount(), "uploader must not run after cancelled capture")
	assert.Empty(t, jobs.created)
}

func TestRunOneScanPermissionDenied(t *testing.T) {
	for _, tc := range []struct {
		access capture.Access
		want   error
	}{
		{capture.AccessDenied, capture.ErrPermissionDenied},
		{capture.AccessPermanentlyDenied, capture.ErrPermissionPermanentlyDenied},
	} {
		gate := &stubGate{access: tc.access}
		pages := &countingStore{}
		coordinator := newTestCoordinator(t, gate, &stubDevice{paths: writeSpoolPages(t, 1)}, pages, &autoCompleteStore{})

		_, err := coordinator.RunOneScan(context.Background(), 10)
		var stageErr *Error
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StagePermission, stageErr.Stage)
		assert.ErrorIs(t, err, tc.want)
		assert.Zero(t, pages.putCount())
	}
}

func TestRunOneScanCancelledMidPoll(t *testing.T) {
	gate := &stubGate{access: capture.AccessGranted}
	device := &stubDevice{paths: writeSpoolPages(t, 1)}
	jobs := &autoCompleteStore{neverDone: true}
	log := zerolog.Nop()
	orch := capture.NewOrchestrator(gate, device, log)
	uploader := upload.New(&countingStore{}, upload.Options{AttemptTimeout: time.Second}, log)
	tracker := job.NewTracker(jobs, job.TrackerOptions{
		PollInitial: 50 * time.Millisecond,
		PollCeiling: 50 * time.Millisecond,
		Timeout:     10 * time.Second,
	}, log)
	coordinator := NewCoordinator(gate, orch, uploader, jobs, tracker, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coordinator.RunOneScan(ctx, 10)
		done <- err
	}()

	// Wait for tracking to begin, then cancel while the tracker sleeps.
	require.Eventually(t, func() bool { return jobs.queryCount() > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		var stageErr *Error
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageTrack, stageErr.Stage)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop within one polling interval")
	}
	after := jobs.queryCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, jobs.queryCount(), "status queries issued after cancellation")
}

func TestOnProgressCallbackMayReregister(t *testing.T) {
	gate := &stubGate{access: capture.AccessGranted}
	device := &stubDevice{paths: writeSpoolPages(t, 1)}
	jobs := &autoCompleteStore{payload: json.RawMessage(acmePayload)}
	coordinator := newTestCoordinator(t, gate, device, &countingStore{}, jobs)

	// The callback runs outside the coordinator's mutex; calling back into
	// OnProgress from inside it must not deadlock.
	var firstStage Stage
	coordinator.OnProgress(func(ev Event) {
		firstStage = ev.Stage
		coordinator.OnProgress(nil)
	})

	_, err := coordinator.RunOneScan(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, StagePermission, firstStage)
}

func TestRunOneScanRejectsConcurrentRun(t *testing.T) {
	gate := &stubGate{access: capture.AccessGranted}
	device := &stubDevice{paths: writeSpoolPages(t, 1)}
	jobs := &autoCompleteStore{payload: json.RawMessage(acmePayload), afterPolls: 20}
	coordinator := newTestCoordinator(t, gate, device, &countingStore{}, jobs)

	first := make(chan error, 1)
	go func() {
		_, err := coordinator.RunOneScan(context.Background(), 10)
		first <- err
	}()
	require.Eventually(t, func() bool { return jobs.queryCount() > 0 }, time.Second, time.Millisecond)

	_, err := coordinator.RunOneScan(context.Background(), 10)
	assert.True(t, errors.Is(err, ErrRunActive))
	require.NoError(t, <-first)
}
