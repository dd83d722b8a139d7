// Package upload persists captured pages to object storage with bounded
// concurrency, per-page retry, and partial-result reporting.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scanvault/scanvault/internal/capture"
	"github.com/scanvault/scanvault/internal/objectstore"
)

// Store is the object storage dependency. *objectstore.Store satisfies it;
// tests supply fakes.
type Store interface {
	PutPage(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
	Bucket() string
}

// StorageObject is a captured page once durably persisted.
type StorageObject struct {
	Bucket     string
	Key        string
	URL        string
	Index      int
	UploadedAt time.Time
}

// PageError records the permanent failure of one page.
type PageError struct {
	Index int
	Err   error
}

// Failure reports a partially failed upload: Uploaded holds the pages that
// made it so a caller can retry only the rest.
type Failure struct {
	SessionID string
	Uploaded  []StorageObject
	Pages     []PageError
}

func (f *Failure) Error() string {
	return fmt.Sprintf("upload for session %s: %d page(s) failed, %d uploaded",
		f.SessionID, len(f.Pages), len(f.Uploaded))
}

func (f *Failure) Unwrap() error {
	if len(f.Pages) == 0 {
		return nil
	}
	return f.Pages[0].Err
}

// Options bound the uploader's concurrency and retry behavior.
type Options struct {
	Concurrency    int
	Retries        int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AttemptTimeout time.Duration
}

// Uploader persists session pages to a Store.
type Uploader struct {
	store Store
	opts  Options
	log   zerolog.Logger
}

// New constructs an Uploader. Zero option fields fall back to the documented
// defaults (3 workers, 3 attempts, 500ms base doubling to a 5s cap, 15s per
// attempt).
func New(store Store, opts Options, log zerolog.Logger) *Uploader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}
	return &Uploader{store: store, opts: opts, log: log}
}

// Upload persists every page of the session. Keys are deterministic per
// (session, index) so re-running an upload overwrites rather than duplicating.
// On any permanent page failure the successfully uploaded subset is returned
// inside a *Failure.
func (u *Uploader) Upload(ctx context.Context, session *capture.CaptureSession) ([]StorageObject, error) {
	if session == nil || len(session.Pages) == 0 {
		return nil, errors.New("empty capture session")
	}

	var (
		mu       sync.Mutex
		uploaded []StorageObject
		failed   []PageError
	)
	g := &errgroup.Group{}
	g.SetLimit(u.opts.Concurrency)
	for _, page := range session.Pages {
		page := page
		g.Go(func() error {
			obj, err := u.uploadPage(ctx, session.ID, page)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, PageError{Index: page.Index, Err: err})
				return nil
			}
			uploaded = append(uploaded, obj)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(uploaded, func(i, j int) bool { return uploaded[i].Index < uploaded[j].Index })
	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })
		return nil, &Failure{SessionID: session.ID, Uploaded: uploaded, Pages: failed}
	}
	return uploaded, nil
}

// permanentError marks failures no amount of retrying can fix, such as a
// page file that disappeared from the spool between capture and upload.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// uploadPage retries transient errors with exponential backoff and gives up
// immediately on permanent ones: authorization failures and local file
// errors.
func (u *Uploader) uploadPage(ctx context.Context, sessionID string, page capture.CapturedPage) (StorageObject, error) {
	key := objectstore.PageKey(sessionID, page.Index, strings.ToLower(filepath.Ext(page.Path)))
	contentType := pageContentType(page.Path)

	delay := u.opts.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= u.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return StorageObject{}, err
		}
		url, err := u.putOnce(ctx, key, page, contentType)
		if err == nil {
			u.log.Debug().
				Str("session", sessionID).
				Str("key", key).
				Int("attempt", attempt).
				Msg("page uploaded")
			return StorageObject{
				Bucket:     u.store.Bucket(),
				Key:        key,
				URL:        url,
				Index:      page.Index,
				UploadedAt: time.Now().UTC(),
			}, nil
		}
		lastErr = err
		var perm *permanentError
		if errors.Is(err, objectstore.ErrUnauthorized) || errors.As(err, &perm) {
			return StorageObject{}, err
		}
		if attempt == u.opts.Retries {
			break
		}
		u.log.Warn().
			Str("key", key).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("page upload failed, retrying")
		select {
		case <-ctx.Done():
			return StorageObject{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > u.opts.BackoffCap {
			delay = u.opts.BackoffCap
		}
	}
	return StorageObject{}, fmt.Errorf("page %d exhausted %d attempts: %w", page.Index, u.opts.Retries, lastErr)
}

// putOnce performs one attempt under the attempt timeout. The local file is
// opened per attempt and always closed before returning, so the handle never
// outlives the put regardless of outcome.
func (u *Uploader) putOnce(ctx context.Context, key string, page capture.CapturedPage, contentType string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, u.opts.AttemptTimeout)
	defer cancel()

	f, err := os.Open(page.Path)
	if err != nil {
		return "", &permanentError{err: fmt.Errorf("open page file: %w", err)}
	}
	defer f.Close()
	return u.store.PutPage(attemptCtx, key, f, page.Size, contentType)
}

func pageContentType(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
