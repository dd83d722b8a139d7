package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimedOut is returned when the store never reached a terminal state
// within the tracker's overall timeout. The server-side job is left running;
// no cancellation is sent.
var ErrTimedOut = errors.New("job tracking timed out")

// FailedError carries the server-reported reason for a failed job.
type FailedError struct {
	JobID  string
	Reason string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// TrackerOptions bound the polling loop.
type TrackerOptions struct {
	// PollInitial is the first interval between observations; it doubles on
	// every unchanged observation up to PollCeiling and resets on any change.
	PollInitial time.Duration
	PollCeiling time.Duration
	// Timeout bounds the whole tracking run.
	Timeout time.Duration
}

// Tracker observes one job until it reaches a terminal state, the timeout
// expires, or the context is cancelled.
type Tracker struct {
	store Store
	opts  TrackerOptions
	log   zerolog.Logger
}

// NewTracker constructs a Tracker. Zero option fields fall back to the
// documented defaults (1s doubling to 10s, 120s overall).
func NewTracker(store Store, opts TrackerOptions, log zerolog.Logger) *Tracker {
	if opts.PollInitial <= 0 {
		opts.PollInitial = time.Second
	}
	if opts.PollCeiling < opts.PollInitial {
		opts.PollCeiling = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &Tracker{store: store, opts: opts, log: log}
}

// Track polls the store until the job completes, fails, times out, or ctx is
// cancelled. On completion it returns the result payload; failure returns a
// *FailedError, timeout ErrTimedOut, cancellation the context's error. No
// status query is issued after Track returns.
func (t *Tracker) Track(ctx context.Context, jobID string) (json.RawMessage, error) {
	deadline := time.Now().Add(t.opts.Timeout)
	interval := t.opts.PollInitial
	state := Job{ID: jobID, Status: StatusCreated}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			t.log.Warn().Str("job", jobID).Dur("timeout", t.opts.Timeout).Msg("job tracking timed out")
			return nil, ErrTimedOut
		}

		obs, err := t.store.GetJobStatus(ctx, jobID)
		if err != nil {
			// Observation failures are transient by assumption; the backoff
			// below paces re-queries and the deadline bounds the loop.
			t.log.Warn().Str("job", jobID).Err(err).Msg("status query failed")
		} else if state.Observe(obs) {
			t.log.Debug().Str("job", jobID).Str("status", string(state.Status)).Msg("job state changed")
			interval = t.opts.PollInitial
			switch state.Status {
			case StatusCompleted:
				return state.ResultPayload, nil
			case StatusFailed:
				return nil, &FailedError{JobID: jobID, Reason: state.ErrorDetail}
			}
		} else {
			interval *= 2
			if interval > t.opts.PollCeiling {
				interval = t.opts.PollCeiling
			}
		}

		wait := interval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
