package source

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xposter/internal/store"
)

func newTestSource(t *testing.T) *SQLiteSource {
	t.Helper()

	ctx := context.Background()
	st, err := store.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	return NewSQLiteSource(st)
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t)
	now := time.Now().UTC()

	early, err := src.Add(ctx, "first", "", now.Add(-2*time.Hour))
	require.NoError(t, err)
	late, err := src.Add(ctx, "second", "", now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = src.Add(ctx, "future", "", now.Add(time.Hour))
	require.NoError(t, err)

	items, err := src.ListPending(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Oldest scheduled time first.
	assert.Equal(t, early, items[0].ID)
	assert.Equal(t, late, items[1].ID)
	assert.Equal(t, "first", items[0].Text)
	assert.Equal(t, StatusPending, items[0].Status)
}

func TestListPending_ExcludesResolvedItems(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t)
	now := time.Now().UTC()

	posted, err := src.Add(ctx, "posted", "", now.Add(-time.Hour))
	require.NoError(t, err)
	failed, err := src.Add(ctx, "failed", "", now.Add(-time.Hour))
	require.NoError(t, err)
	held, err := src.Add(ctx, "held", "", now.Add(-time.Hour))
	require.NoError(t, err)
	pending, err := src.Add(ctx, "pending", "", now.Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, src.MarkPosted(ctx, posted, "post-1"))
	require.NoError(t, src.MarkFailed(ctx, failed, "validation failed"))
	require.NoError(t, src.Hold(ctx, held, "outcome unknown"))

	items, err := src.ListPending(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, pending, items[0].ID)
}

func TestMarkPosted_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t)

	id, err := src.Add(ctx, "hello", "", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, src.MarkPosted(ctx, id, "post-42"))

	// A second claim loses the compare-and-set.
	err = src.MarkPosted(ctx, id, "post-43")
	assert.ErrorIs(t, err, ErrAlreadyPosted)

	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Posted)
	assert.Equal(t, StatusPosted, got.Status)
	assert.Equal(t, "post-42", got.PostID)
}

func TestRecordAttempt(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t)
	now := time.Now().UTC()

	id, err := src.Add(ctx, "flaky", "", now.Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, src.RecordAttempt(ctx, id, "timeout"))
	require.NoError(t, src.RecordAttempt(ctx, id, "status 503"))

	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "status 503", got.LastError)

	// The item stays eligible between attempts.
	items, err := src.ListPending(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
}

func TestHold_RecordsReason(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t)

	id, err := src.Add(ctx, "ambiguous", "", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, src.Hold(ctx, id, "publish outcome unknown"))

	got, err := src.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, got.Status)
	assert.Equal(t, "publish outcome unknown", got.LastError)
	assert.False(t, got.Posted)
}
