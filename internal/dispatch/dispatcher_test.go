package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xposter/internal/media"
	"xposter/internal/poster"
	"xposter/internal/source"
	"xposter/internal/staging"
	"xposter/internal/store"
	"xposter/internal/upload"
)

type staticTokens string

func (s staticTokens) Token(ctx context.Context, accountID string) (string, error) {
	return string(s), nil
}

func newTestSource(t *testing.T) *source.SQLiteSource {
	t.Helper()

	ctx := context.Background()
	st, err := store.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	return source.NewSQLiteSource(st)
}

func newTestDispatcher(t *testing.T, src source.Source, apiURL string, maxAttempts int) *Dispatcher {
	t.Helper()

	fsStore, err := staging.NewFSStore(t.TempDir())
	require.NoError(t, err)

	tokens := staticTokens("test-token")
	return New(Config{
		Source:    src,
		Validator: media.NewValidator(0, 0, false),
		Staging:   fsStore,
		Sweeper:   fsStore,
		Uploads: upload.New(upload.Config{
			BaseURL:   apiURL,
			Tokens:    tokens,
			AccountID: "default",
			RetryBase: time.Millisecond,
		}),
		Publisher: poster.New(poster.Config{
			BaseURL:    apiURL,
			Tokens:     tokens,
			AccountID:  "default",
			MaxRetries: 2,
			RetryBase:  time.Millisecond,
		}),
		MaxAttempts: maxAttempts,
	})
}

func TestRunCycle_PublishesDueItem(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/2/tweets", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "post-1"}})
	}))
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	openSource := func() (*source.SQLiteSource, *store.Store) {
		st, err := store.New(ctx, dbPath)
		require.NoError(t, err)
		require.NoError(t, st.Migrate(ctx))
		return source.NewSQLiteSource(st), st
	}

	src, st := openSource()
	id, err := src.Add(ctx, "hello", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	d := newTestDispatcher(t, src, srv.URL, 3)
	d.RunCycle(ctx)

	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Posted)
	assert.Equal(t, source.StatusPosted, got.Status)
	assert.Equal(t, "post-1", got.PostID)
	assert.EqualValues(t, 1, calls.Load())

	// A posted item must never be dispatched again, including by a
	// restarted process over the same database file.
	require.NoError(t, st.Close())
	src2, st2 := openSource()
	defer st2.Close()

	d2 := newTestDispatcher(t, src2, srv.URL, 3)
	d2.RunCycle(ctx)
	assert.EqualValues(t, 1, calls.Load())

	err = src2.MarkPosted(ctx, id, "post-duplicate")
	assert.ErrorIs(t, err, source.ErrAlreadyPosted)
}

func TestRunCycle_AmbiguousOutcomeHoldsItem(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	src := newTestSource(t)
	id, err := src.Add(ctx, "lost in transit", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	d := newTestDispatcher(t, src, srv.URL, 3)
	d.RunCycle(ctx)

	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Posted, "an ambiguous outcome must not mark the item posted")
	assert.Equal(t, source.StatusHeld, got.Status)
	assert.EqualValues(t, 1, calls.Load(), "held items are never auto-retried")

	// Held items stay out of later cycles.
	d.RunCycle(ctx)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRunCycle_TransientFailureRetriesAcrossCycles(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused: the request verifiably never left

	src := newTestSource(t)
	id, err := src.Add(ctx, "unreachable", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	d := newTestDispatcher(t, src, srv.URL, 2)

	// First cycle burns one attempt but keeps the item pending.
	d.RunCycle(ctx)
	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, source.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	// Second cycle exhausts the budget.
	d.RunCycle(ctx)
	got, err = src.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, source.StatusFailed, got.Status)
	assert.False(t, got.Posted)
}

// fakeAPI simulates the upload endpoint family and the publish endpoint
// behind one server.
type fakeAPI struct {
	t *testing.T

	mu            sync.Mutex
	inits         int
	appends       int
	finalizes     int
	publishBodies []map[string]any

	// initStatus rejects INIT with the given HTTP status; 0 accepts.
	initStatus int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/1.1/media/upload.json", f.handleUpload)
	mux.HandleFunc("/2/tweets", f.handlePublish)
	return mux
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits + f.appends + f.finalizes + len(f.publishBodies)
}

func (f *fakeAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		f.mu.Lock()
		f.appends++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	require.NoError(f.t, r.ParseForm())
	switch r.Form.Get("command") {
	case "INIT":
		f.mu.Lock()
		f.inits++
		status := f.initStatus
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "init rejected", status)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"media_id_string": "710511363345354753"})
	case "FINALIZE":
		f.mu.Lock()
		f.finalizes++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"media_id_string": "710511363345354753"})
	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
	}
}

func (f *fakeAPI) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	f.mu.Lock()
	f.publishBodies = append(f.publishBodies, body)
	f.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "post-media-1"}})
}

// statProbe stands in for ffprobe: size from the file, fixed attributes.
func statProbe(duration float64) Prober {
	return func(ctx context.Context, path string) (media.Asset, error) {
		info, err := os.Stat(path)
		if err != nil {
			return media.Asset{}, err
		}
		return media.Asset{
			Path:            path,
			MIME:            "video/mp4",
			SizeBytes:       info.Size(),
			DurationSeconds: duration,
			Width:           1280,
			Height:          720,
			Codec:           "h264",
		}, nil
	}
}

func newMediaDispatcher(t *testing.T, src source.Source, apiURL, stagingRoot string, probe Prober) *Dispatcher {
	t.Helper()

	fsStore, err := staging.NewFSStore(stagingRoot)
	require.NoError(t, err)

	tokens := staticTokens("test-token")
	return New(Config{
		Source:    src,
		Validator: media.NewValidator(0, 0, false),
		Staging:   fsStore,
		Sweeper:   fsStore,
		Probe:     probe,
		Uploads: upload.New(upload.Config{
			BaseURL:   apiURL,
			Tokens:    tokens,
			AccountID: "default",
			RetryBase: time.Millisecond,
		}),
		Publisher: poster.New(poster.Config{
			BaseURL:    apiURL,
			Tokens:     tokens,
			AccountID:  "default",
			MaxRetries: 2,
			RetryBase:  time.Millisecond,
		}),
		MaxAttempts: 3,
	})
}

func stagedFiles(t *testing.T, root string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, "media", "*"))
	require.NoError(t, err)
	return matches
}

func writeClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake mp4 payload"), 0644))
	return path
}

func TestRunCycle_MediaItemUploadedAndPublished(t *testing.T) {
	ctx := context.Background()

	f := &fakeAPI{t: t}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	src := newTestSource(t)
	id, err := src.Add(ctx, "clip day", writeClip(t), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	root := t.TempDir()
	d := newMediaDispatcher(t, src, srv.URL, root, statProbe(12))
	d.RunCycle(ctx)

	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Posted)
	assert.Equal(t, "post-media-1", got.PostID)

	// The publish call carries the media_id minted by the upload session.
	require.Len(t, f.publishBodies, 1)
	mediaField, ok := f.publishBodies[0]["media"].(map[string]any)
	require.True(t, ok, "publish body must attach media")
	ids, ok := mediaField["media_ids"].([]any)
	require.True(t, ok)
	require.Len(t, ids, 1)
	assert.Equal(t, "710511363345354753", ids[0])

	assert.Equal(t, 1, f.inits)
	assert.Equal(t, 1, f.finalizes)
	assert.GreaterOrEqual(t, f.appends, 1)

	assert.Empty(t, stagedFiles(t, root), "staged media is deleted after a successful publish")
}

func TestRunCycle_MediaValidationFailureIsFatalWithoutNetwork(t *testing.T) {
	ctx := context.Background()

	f := &fakeAPI{t: t}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	src := newTestSource(t)
	id, err := src.Add(ctx, "too long", writeClip(t), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	root := t.TempDir()
	// A 3-minute clip against the 140s default limit.
	d := newMediaDispatcher(t, src, srv.URL, root, statProbe(180))
	d.RunCycle(ctx)

	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, source.StatusFailed, got.Status)
	assert.False(t, got.Posted)
	assert.Contains(t, got.LastError, "duration")

	assert.Equal(t, 0, f.calls(), "a validation failure must make no network call")
	assert.Empty(t, stagedFiles(t, root), "rejected media is never staged")
}

func TestRunCycle_FatalUploadFailureRetainsStagedMedia(t *testing.T) {
	ctx := context.Background()

	f := &fakeAPI{t: t, initStatus: http.StatusBadRequest}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	src := newTestSource(t)
	id, err := src.Add(ctx, "rejected upload", writeClip(t), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	root := t.TempDir()
	d := newMediaDispatcher(t, src, srv.URL, root, statProbe(12))
	d.RunCycle(ctx)

	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, source.StatusFailed, got.Status)
	assert.Empty(t, f.publishBodies)

	// Failed items keep their staged media for diagnosis until the sweep.
	assert.Len(t, stagedFiles(t, root), 1)
}

// fakeSource records dispatcher outcome decisions.
type fakeSource struct {
	posted   map[int64]string
	failed   map[int64]string
	held     map[int64]string
	attempts map[int64]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		posted:   make(map[int64]string),
		failed:   make(map[int64]string),
		held:     make(map[int64]string),
		attempts: make(map[int64]string),
	}
}

func (f *fakeSource) ListPending(ctx context.Context, now time.Time, limit int) ([]source.Item, error) {
	return nil, nil
}

func (f *fakeSource) MarkPosted(ctx context.Context, id int64, postID string) error {
	f.posted[id] = postID
	return nil
}

func (f *fakeSource) MarkFailed(ctx context.Context, id int64, reason string) error {
	f.failed[id] = reason
	return nil
}

func (f *fakeSource) Hold(ctx context.Context, id int64, reason string) error {
	f.held[id] = reason
	return nil
}

func (f *fakeSource) RecordAttempt(ctx context.Context, id int64, errText string) error {
	f.attempts[id] = errText
	return nil
}

func (f *fakeSource) Add(ctx context.Context, text, mediaRef string, at time.Time) (int64, error) {
	return 0, nil
}

func TestRecordFailure_Classification(t *testing.T) {
	ctx := context.Background()

	t.Run("validation failure retires the item", func(t *testing.T) {
		src := newFakeSource()
		d := New(Config{Source: src, MaxAttempts: 3})

		d.recordFailure(ctx, source.Item{ID: 1}, &media.ValidationError{
			Violation: media.ViolationDuration, Detail: "too long",
		})

		assert.Contains(t, src.failed, int64(1))
		assert.Empty(t, src.attempts)
	})

	t.Run("ambiguous init holds the item", func(t *testing.T) {
		src := newFakeSource()
		d := New(Config{Source: src, MaxAttempts: 3})

		d.recordFailure(ctx, source.Item{ID: 2}, upload.ErrAmbiguousInit)

		assert.Contains(t, src.held, int64(2))
		assert.Empty(t, src.failed)
	})

	t.Run("processing failure retires the item", func(t *testing.T) {
		src := newFakeSource()
		d := New(Config{Source: src, MaxAttempts: 3})

		d.recordFailure(ctx, source.Item{ID: 3}, &upload.ProcessingError{MediaID: "m", Message: "bad codec"})

		assert.Contains(t, src.failed, int64(3))
	})

	t.Run("transient failure under budget stays pending", func(t *testing.T) {
		src := newFakeSource()
		d := New(Config{Source: src, MaxAttempts: 3})

		d.recordFailure(ctx, source.Item{ID: 4, AttemptCount: 0}, errors.New("timeout"))

		assert.Contains(t, src.attempts, int64(4))
		assert.Empty(t, src.failed)
	})

	t.Run("transient failure at budget retires the item", func(t *testing.T) {
		src := newFakeSource()
		d := New(Config{Source: src, MaxAttempts: 3})

		d.recordFailure(ctx, source.Item{ID: 5, AttemptCount: 2}, errors.New("timeout"))

		assert.Contains(t, src.failed, int64(5))
		assert.Empty(t, src.attempts)
	})
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, "tweet_video", categoryFor("video/mp4"))
	assert.Equal(t, "tweet_image", categoryFor("image/png"))
}

func TestHealth(t *testing.T) {
	h := NewHealth()
	assert.True(t, h.IsOverallHealthy())
	assert.Nil(t, h.GetStatus("publish"))

	h.SetUnhealthy("publish", errors.New("boom"))
	assert.False(t, h.IsOverallHealthy())
	require.NotNil(t, h.GetStatus("publish"))
	assert.Equal(t, "boom", h.GetStatus("publish").Message)

	h.SetHealthy("publish", "posted")
	assert.True(t, h.IsOverallHealthy())
	assert.Equal(t, "posted", h.GetStatus("publish").Message)
}
