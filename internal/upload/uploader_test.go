package upload

import (
	"context"
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
	"github.com/scanvault/scanvault/internal/objectstore"
)

type fakeStore struct {
	mu        sync.Mutex
	puts      map[string]int
	transient map[string]int // remaining transient failures per key
	authKeys  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		puts:      make(map[string]int),
		transient: make(map[string]int),
		authKeys:  make(map[string]bool),
	}
}

func (f *fakeStore) PutPage(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key]++
	if f.authKeys[key] {
		return "", fmt.Errorf("put page %s: %w", key, objectstore.ErrUnauthorized)
	}
	if f.transient[key] > 0 {
		f.transient[key]--
		return "", errors.New("connection reset")
	}
	return "s3://test-bucket/" + key, nil
}

func (f *fakeStore) Bucket() string { return "test-bucket" }

func (f *fakeStore) putCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[key]
}

func (f *fakeStore) distinctKeys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func testSession(t *testing.T, pages int) *capture.CaptureSession {
	t.Helper()
	dir := t.TempDir()
	session := &capture.CaptureSession{ID: "session-1", CreatedAt: time.Now()}
	for i := 0; i < pages; i++ {
		path := filepath.Join(dir, fmt.Sprintf("page-%d.jpg", i))
		require.NoError(t, os.WriteFile(path, []byte("image-bytes"), 0o600))
		session.Pages = append(session.Pages, capture.CapturedPage{
			Path:  path,
			Size:  int64(len("image-bytes")),
			Index: i,
		})
	}
	return session
}

func fastOptions() Options {
	return Options{
		Concurrency:    3,
		Retries:        3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func TestUploadOneObjectPerPage(t *testing.T) {
	store := newFakeStore()
	uploader := New(store, fastOptions(), zerolog.Nop())
	session := testSession(t, 3)

	objects, err := uploader.Upload(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, objects, 3)
	for i, obj := range objects {
		assert.Equal(t, i, obj.Index)
		assert.Equal(t, objectstore.PageKey("session-1", i, ".jpg"), obj.Key)
		assert.Equal(t, "test-bucket", obj.Bucket)
		assert.False(t, obj.UploadedAt.IsZero())
	}
}

func TestReuploadHitsSameKeys(t *testing.T) {
	store := newFakeStore()
	uploader := New(store, fastOptions(), zerolog.Nop())
	session := testSession(t, 2)

	_, err := uploader.Upload(context.Background(), session)
	require.NoError(t, err)
	_, err = uploader.Upload(context.Background(), session)
	require.NoError(t, err)

	// Same session and indices: the second run overwrites, never orphans.
	assert.Equal(t, 2, store.distinctKeys())
	assert.Equal(t, 2, store.putCount(objectstore.PageKey("session-1", 0, ".jpg")))
}

func TestTransientFailureRetriedWithBackoff(t *testing.T) {
	store := newFakeStore()
	key := objectstore.PageKey("session-1", 0, ".jpg")
	store.transient[key] = 2
	uploader := New(store, fastOptions(), zerolog.Nop())

	objects, err := uploader.Upload(context.Background(), testSession(t, 1))
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, 3, store.putCount(key))
}

func TestAuthFailureNotRetried(t *testing.T) {
	store := newFakeStore()
	key := objectstore.PageKey("session-1", 1, ".jpg")
	store.authKeys[key] = true
	uploader := New(store, fastOptions(), zerolog.Nop())

	_, err := uploader.Upload(context.Background(), testSession(t, 3))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, objectstore.ErrUnauthorized)
	// One attempt only: authorization errors are permanent.
	assert.Equal(t, 1, store.putCount(key))
	// The other pages made it and are reported for targeted retry.
	require.Len(t, failure.Uploaded, 2)
	assert.Equal(t, 0, failure.Uploaded[0].Index)
	assert.Equal(t, 2, failure.Uploaded[1].Index)
	require.Len(t, failure.Pages, 1)
	assert.Equal(t, 1, failure.Pages[0].Index)
}

func TestVanishedPageFileNotRetried(t *testing.T) {
	store := newFakeStore()
	opts := fastOptions()
	opts.BackoffBase = 200 * time.Millisecond
	opts.BackoffCap = 200 * time.Millisecond
	uploader := New(store, opts, zerolog.Nop())
	session := testSession(t, 2)
	require.NoError(t, os.Remove(session.Pages[1].Path))

	start := time.Now()
	_, err := uploader.Upload(context.Background(), session)
	elapsed := time.Since(start)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, os.ErrNotExist)
	// The missing file is a permanent failure: no put attempted for it, no
	// backoff spent on it.
	assert.Equal(t, 0, store.putCount(objectstore.PageKey("session-1", 1, ".jpg")))
	assert.Less(t, elapsed, opts.BackoffBase, "retry backoff spent on an unopenable file")
	require.Len(t, failure.Uploaded, 1)
	assert.Equal(t, 0, failure.Uploaded[0].Index)
	require.Len(t, failure.Pages, 1)
	assert.Equal(t, 1, failure.Pages[0].Index)
}

func TestExhaustedRetriesSurfaceAsFailure(t *testing.T) {
	store := newFakeStore()
	key := objectstore.PageKey("session-1", 0, ".jpg")
	store.transient[key] = 100
	uploader := New(store, fastOptions(), zerolog.Nop())

	_, err := uploader.Upload(context.Background(), testSession(t, 2))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 3, store.putCount(key))
	require.Len(t, failure.Uploaded, 1)
	assert.Equal(t, 1, failure.Uploaded[0].Index)
}
