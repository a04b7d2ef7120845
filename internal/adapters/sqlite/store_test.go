package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/scanship/internal/adapters/sqlite"
	"github.com/bft-labs/scanship/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), sqlite.DefaultFileName), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, []byte("receipt-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Zero(t, rec.UploadAttempts)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("receipt-1"), got.Payload)
	assert.Equal(t, rec.Checksum, got.Checksum)
	assert.Equal(t, int64(9), got.Size)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	missing, err := store.Get(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateRejectsEmptyPayload(t *testing.T) {
	store := openStore(t)
	_, err := store.Create(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrEmptyPayload)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestListByStatusOrdering(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := openStore(t, sqlite.WithClock(clock.Now))
	ctx := context.Background()

	older, err := store.Create(ctx, []byte("older"))
	require.NoError(t, err)
	clock.Advance(500 * time.Millisecond)

	// Two records share a timestamp; they must come back ordered by ID.
	tieA, err := store.Create(ctx, []byte("tie-a"))
	require.NoError(t, err)
	tieB, err := store.Create(ctx, []byte("tie-b"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	newest, err := store.Create(ctx, []byte("newest"))
	require.NoError(t, err)

	ties := []string{tieA.ID, tieB.ID}
	sort.Strings(ties)

	list, err := store.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, list, 4)

	ids := make([]string, len(list))
	for i, r := range list {
		ids[i] = r.ID
		assert.Nil(t, r.Payload, "listing must not load payloads")
	}
	assert.Equal(t, []string{newest.ID, ties[0], ties[1], older.ID}, ids)

	none, err := store.ListByStatus(ctx, domain.StatusUploaded)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBeginUploadIsAtomic(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, []byte("doc"))
	require.NoError(t, err)

	started, err := store.BeginUpload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploading, started.Status)
	assert.Equal(t, 1, started.UploadAttempts)
	assert.Equal(t, []byte("doc"), started.Payload)

	_, err = store.BeginUpload(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploading, got.Status)
	assert.Equal(t, 1, got.UploadAttempts, "rejected transition must not bump attempts")
}

func TestUpdateStatusTransitions(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, []byte("doc"))
	require.NoError(t, err)

	_, err = store.UpdateStatus(ctx, rec.ID, domain.StatusUploaded, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending cannot skip uploading")

	_, err = store.UpdateStatus(ctx, rec.ID, domain.StatusUploading, "")
	require.NoError(t, err)

	failed, err := store.UpdateStatus(ctx, rec.ID, domain.StatusFailed, "server returned 503")
	require.NoError(t, err)
	assert.Equal(t, "server returned 503", failed.LastError)
	assert.Equal(t, 1, failed.UploadAttempts)

	again, err := store.UpdateStatus(ctx, rec.ID, domain.StatusUploading, "")
	require.NoError(t, err)
	assert.Equal(t, 2, again.UploadAttempts)

	done, err := store.UpdateStatus(ctx, rec.ID, domain.StatusUploaded, "")
	require.NoError(t, err)
	assert.Empty(t, done.LastError)
	assert.False(t, done.UpdatedAt.Before(rec.UpdatedAt))

	for _, to := range []domain.Status{domain.StatusFailed, domain.StatusPending, domain.StatusUploading, domain.StatusUploaded} {
		_, err = store.UpdateStatus(ctx, rec.ID, to, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "uploaded is terminal (to %s)", to)
	}

	_, err = store.UpdateStatus(ctx, "missing", domain.StatusUploading, "")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestAbortUploadRestoresPriorState(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, []byte("doc"))
	require.NoError(t, err)
	_, err = store.BeginUpload(ctx, rec.ID)
	require.NoError(t, err)

	require.NoError(t, store.AbortUpload(ctx, rec.ID, domain.StatusPending, 0))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.UploadAttempts)

	err = store.AbortUpload(ctx, rec.ID, domain.StatusPending, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "second abort must not apply")

	err = store.AbortUpload(ctx, "missing", domain.StatusPending, 0)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestIncrementAttempts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, []byte("doc"))
	require.NoError(t, err)

	got, err := store.IncrementAttempts(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UploadAttempts)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = store.IncrementAttempts(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestDelete(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, []byte("doc"))
	require.NoError(t, err)

	removed, err := store.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetryFailedAndStats(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := store.Create(ctx, []byte{byte('a' + i)})
		require.NoError(t, err)
		_, err = store.BeginUpload(ctx, rec.ID)
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, rec.ID, domain.StatusFailed, "boom")
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	n, err := store.RetryFailed(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.StatusPending])
	assert.Equal(t, 2, stats[domain.StatusFailed])

	n, err = store.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rearmed, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rearmed.Status)
	assert.Equal(t, 1, rearmed.UploadAttempts, "re-arming keeps the attempt count")
	assert.Empty(t, rearmed.LastError)
}

func TestPurgeUploaded(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := openStore(t, sqlite.WithClock(clock.Now))
	ctx := context.Background()

	deliver := func() string {
		rec, err := store.Create(ctx, []byte("doc"))
		require.NoError(t, err)
		_, err = store.BeginUpload(ctx, rec.ID)
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, rec.ID, domain.StatusUploaded, "")
		require.NoError(t, err)
		return rec.ID
	}

	old := deliver()
	clock.Advance(48 * time.Hour)
	fresh := deliver()
	pending, err := store.Create(ctx, []byte("pending"))
	require.NoError(t, err)

	n, err := store.PurgeUploaded(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := store.Get(ctx, old)
	require.NoError(t, err)
	assert.Nil(t, gone)
	for _, id := range []string{fresh, pending.ID} {
		kept, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, kept)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), sqlite.DefaultFileName)
	ctx := context.Background()

	store, err := sqlite.Open(path)
	require.NoError(t, err)
	rec, err := store.Create(ctx, []byte("durable"))
	require.NoError(t, err)
	_, err = store.BeginUpload(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	uploading, err := reopened.ListByStatus(ctx, domain.StatusUploading)
	require.NoError(t, err)
	require.Len(t, uploading, 1)
	assert.Equal(t, rec.ID, uploading[0].ID)
	assert.Equal(t, 1, uploading[0].UploadAttempts)
}

func TestClosedStoreReturnsPersistenceError(t *testing.T) {
	path := filepath.Join(t.TempDir(), sqlite.DefaultFileName)
	store, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Create(context.Background(), []byte("doc"))
	require.Error(t, err)

	var pe *domain.PersistenceError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, "create", pe.Op)
}
