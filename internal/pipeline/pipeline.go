// Package pipeline sequences one document scan: permission, capture, upload,
// job submission and tracking, and invoice extraction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/scanvault/scanvault/internal/capture"
	"github.com/scanvault/scanvault/internal/invoice"
	"github.com/scanvault/scanvault/internal/job"
	"github.com/scanvault/scanvault/internal/upload"
)

// Stage names the pipeline step an event or error originated from.
type Stage string

const (
	StagePermission Stage = "permission"
	StageCapture    Stage = "capture"
	StageUpload     Stage = "upload"
	StageSubmit     Stage = "submit"
	StageTrack      Stage = "track"
	StageExtract    Stage = "extract"
)

// Event is a progress notification for presentation layers. The pipeline
// emits one per stage transition and owns no UI state.
type Event struct {
	Stage Stage  `json:"stage"`
	State string `json:"state"`
}

const (
	StateStarted = "started"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Error wraps a stage failure so callers can tell a denied camera from a
// failed upload from a timed-out job without parsing messages.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrRunActive is returned when a scan is requested while one is running.
var ErrRunActive = errors.New("a scan is already running")

// Coordinator composes the pipeline components and exposes the single entry
// point RunOneScan. All dependencies are injected; nothing here reaches for
// globals.
type Coordinator struct {
	gate     capture.Gate
	orch     *capture.Orchestrator
	uploader *upload.Uploader
	store    job.Store
	tracker  *job.Tracker
	log      zerolog.Logger

	running atomic.Bool

	mu         sync.Mutex
	onProgress func(Event)
}

// NewCoordinator constructs a Coordinator. The gate passed here should be the
// same one the orchestrator was built with; a granted check is idempotent, so
// the orchestrator re-verifying before the device call costs nothing.
func NewCoordinator(gate capture.Gate, orch *capture.Orchestrator, uploader *upload.Uploader, store job.Store, tracker *job.Tracker, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		gate:     gate,
		orch:     orch,
		uploader: uploader,
		store:    store,
		tracker:  tracker,
		log:      log,
	}
}

// OnProgress registers the progress callback. It is invoked synchronously
// from the pipeline goroutine; the coordinator's mutex is released before the
// call, so the callback may re-register itself without deadlocking.
func (c *Coordinator) OnProgress(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = fn
}

func (c *Coordinator) emit(stage Stage, state string) {
	c.mu.Lock()
	fn := c.onProgress
	c.mu.Unlock()
	if fn != nil {
		fn(Event{Stage: stage, State: state})
	}
}

// RunOneScan drives one document through every stage in order. The first
// non-success outcome short-circuits the rest and is returned as an *Error
// naming the originating stage. Cancelling ctx stops the run at the next
// suspension point and surfaces the context's error.
func (c *Coordinator) RunOneScan(ctx context.Context, pageLimit int) (*invoice.Invoice, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}
	defer c.running.Store(false)

	c.emit(StagePermission, StateStarted)
	access, err := c.gate.EnsureAccess(ctx)
	if err != nil {
		return nil, c.fail(StagePermission, err)
	}
	switch access {
	case capture.AccessDenied:
		return nil, c.fail(StagePermission, capture.ErrPermissionDenied)
	case capture.AccessPermanentlyDenied:
		return nil, c.fail(StagePermission, capture.ErrPermissionPermanentlyDenied)
	}
	c.emit(StagePermission, StateDone)

	c.emit(StageCapture, StateStarted)
	session, err := c.orch.Capture(ctx, pageLimit)
	if err != nil {
		stage := StageCapture
		if errors.Is(err, capture.ErrPermissionDenied) || errors.Is(err, capture.ErrPermissionPermanentlyDenied) {
			stage = StagePermission
		}
		return nil, c.fail(stage, err)
	}
	c.emit(StageCapture, StateDone)
	log := c.log.With().Str("session", session.ID).Logger()

	c.emit(StageUpload, StateStarted)
	objects, err := c.uploader.Upload(ctx, session)
	if err != nil {
		return nil, c.fail(StageUpload, err)
	}
	c.emit(StageUpload, StateDone)
	log.Info().Int("pages", len(objects)).Msg("pages uploaded")

	c.emit(StageSubmit, StateStarted)
	keys := make([]string, len(objects))
	for i, obj := range objects {
		keys[i] = obj.Key
	}
	jobID, err := c.store.CreateJob(ctx, session.ID, keys)
	if err != nil {
		return nil, c.fail(StageSubmit, err)
	}
	c.emit(StageSubmit, StateDone)
	log.Info().Str("job", jobID).Msg("ocr job created")

	c.emit(StageTrack, StateStarted)
	payload, err := c.tracker.Track(ctx, jobID)
	if err != nil {
		return nil, c.fail(StageTrack, err)
	}
	c.emit(StageTrack, StateDone)

	c.emit(StageExtract, StateStarted)
	inv, err := invoice.Extract(payload, jobID)
	if err != nil {
		return nil, c.fail(StageExtract, err)
	}
	c.emit(StageExtract, StateDone)
	log.Info().Str("vendor", inv.Vendor).Float64("total", inv.Total).Msg("invoice extracted")
	return inv, nil
}

func (c *Coordinator) fail(stage Stage, err error) error {
	c.emit(stage, StateFailed)
	c.log.Error().Str("stage", string(stage)).Err(err).Msg("pipeline stage failed")
	return &Error{Stage: stage, Err: err}
}
