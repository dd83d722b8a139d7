// Package capture owns one scan attempt: permission gating, driving the
// capture device, and assembling the resulting session of ordered pages.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrCaptureCancelled is returned when the device produced zero pages,
	// meaning the user backed out rather than anything going wrong.
	ErrCaptureCancelled = errors.New("capture cancelled")
	// ErrCaptureActive is returned when a capture is requested while another
	// one is still in flight. Concurrent sessions are not supported.
	ErrCaptureActive = errors.New("capture already in progress")
)

// CapturedPage is one captured image inside a session. Index is assigned by
// arrival order and is stable for the life of the session.
type CapturedPage struct {
	Path  string
	Size  int64
	Index int
}

// CaptureSession is one user-initiated scan attempt. It is owned by the
// Orchestrator until returned, and immutable afterwards.
type CaptureSession struct {
	ID        string
	CreatedAt time.Time
	Pages     []CapturedPage
}

// Orchestrator drives a single capture session through the gate and device.
type Orchestrator struct {
	gate   Gate
	device Device
	log    zerolog.Logger
	active atomic.Bool
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(gate Gate, device Device, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{gate: gate, device: device, log: log}
}

// Capture runs one capture session. The gate must grant access before the
// device is invoked. Zero pages from the device is ErrCaptureCancelled; pages
// beyond pageLimit are discarded with a warning. Page order is arrival order,
// never rearranged.
func (o *Orchestrator) Capture(ctx context.Context, pageLimit int) (*CaptureSession, error) {
	if !o.active.CompareAndSwap(false, true) {
		return nil, ErrCaptureActive
	}
	defer o.active.Store(false)

	access, err := o.gate.EnsureAccess(ctx)
	if err != nil {
		return nil, fmt.Errorf("check capture access: %w", err)
	}
	switch access {
	case AccessDenied:
		return nil, ErrPermissionDenied
	case AccessPermanentlyDenied:
		return nil, ErrPermissionPermanentlyDenied
	}

	paths, err := o.device.Capture(ctx, pageLimit)
	if err != nil {
		return nil, fmt.Errorf("capture device: %w", err)
	}
	if len(paths) == 0 {
		return nil, ErrCaptureCancelled
	}
	if pageLimit > 0 && len(paths) > pageLimit {
		o.log.Warn().
			Int("captured", len(paths)).
			Int("limit", pageLimit).
			Msg("discarding pages beyond limit")
		paths = paths[:pageLimit]
	}

	session := &CaptureSession{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Pages:     make([]CapturedPage, 0, len(paths)),
	}
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat page %d: %w", i, err)
		}
		if info.Size() == 0 {
			return nil, fmt.Errorf("page %d (%s) is empty", i, path)
		}
		session.Pages = append(session.Pages, CapturedPage{
			Path:  path,
			Size:  info.Size(),
			Index: i,
		})
	}
	o.log.Info().
		Str("session", session.ID).
		Int("pages", len(session.Pages)).
		Msg("capture session complete")
	return session, nil
}
