package app_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/scanship/internal/app"
	"github.com/bft-labs/scanship/internal/domain"
)

// beginUpload puts a fresh record in the uploading state, as if a previous
// process had dispatched it.
func beginUpload(t *testing.T, h *harness, payload string) *domain.Record {
	t.Helper()
	rec := h.create(t, payload)
	started, err := h.store.BeginUpload(context.Background(), rec.ID)
	require.NoError(t, err)
	return started
}

func TestCrashWithoutSurvivingTransfer(t *testing.T) {
	first := newHarness(t, nil, testConfig())
	_, err := first.p.RestorePendingTasks(context.Background())
	require.NoError(t, err)

	rec := first.create(t, "receipt")
	_, err = first.p.EnqueuePendingUploads(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.StatusUploading, first.get(t, rec.ID).Status)

	// The process dies; the transport forgot the transfer.
	second := newHarness(t, first.store, testConfig())
	report := second.start(t)

	assert.Equal(t, app.RecoveryReport{Orphaned: 1}, report)
	got := second.get(t, rec.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.UploadAttempts)
	assert.Equal(t, "transfer lost across restart", got.LastError)
	assert.Zero(t, second.p.InFlight())

	res, err := second.p.EnqueuePendingUploads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Submitted, "orphaned record is retried")
	assert.Equal(t, 2, second.get(t, rec.ID).UploadAttempts)
}

func TestRecoveryReconcilesTransport(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	now := time.Now().UTC()

	delivered := beginUpload(t, h, "delivered")
	rejected := beginUpload(t, h, "rejected")
	running := beginUpload(t, h, "running")

	h.tr.restore = []domain.TransferInfo{
		{Handle: "old-fail", Key: delivered.ID, SessionID: testSession, Outcome: domain.OutcomeFailed, Error: "timeout", SubmittedAt: now.Add(-time.Hour)},
		{Handle: "t-delivered", Key: delivered.ID, SessionID: testSession, Outcome: domain.OutcomeSucceeded, SubmittedAt: now},
		{Handle: "t-rejected", Key: rejected.ID, SessionID: testSession, Outcome: domain.OutcomeFailed, Error: "server returned 400: bad scan", SubmittedAt: now},
		{Handle: "t-running", Key: running.ID, SessionID: testSession, Outcome: domain.OutcomeActive, SubmittedAt: now},
		{Handle: "t-gone-done", Key: "deleted-1", SessionID: testSession, Outcome: domain.OutcomeSucceeded, SubmittedAt: now},
		{Handle: "t-gone-live", Key: "deleted-2", SessionID: testSession, Outcome: domain.OutcomeActive, SubmittedAt: now},
	}

	report := h.start(t)
	assert.Equal(t, app.RecoveryReport{Resolved: 2, Rebuilt: 1, Discarded: 2}, report)

	got := h.get(t, delivered.ID)
	assert.Equal(t, domain.StatusUploaded, got.Status)
	assert.Equal(t, 1, got.UploadAttempts)

	got = h.get(t, rejected.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "server returned 400: bad scan", got.LastError)

	assert.Equal(t, domain.StatusUploading, h.get(t, running.ID).Status)

	acked := h.tr.acknowledged()
	assert.ElementsMatch(t, []domain.TransferHandle{"old-fail", "t-delivered", "t-rejected", "t-gone-done"}, acked)

	entries := h.p.Registry().Entries()
	require.Len(t, entries, 2)
	byRecord := map[string]app.RegistryEntry{}
	for _, e := range entries {
		byRecord[e.RecordID] = e
	}
	assert.False(t, byRecord[running.ID].Orphaned)
	assert.Equal(t, domain.TransferHandle("t-running"), byRecord[running.ID].Handle)
	assert.True(t, byRecord["deleted-2"].Orphaned)

	// The rebuilt transfer finishes after restart.
	h.tr.finish("t-running", running.ID, nil)
	h.waitStatus(t, running.ID, domain.StatusUploaded)

	// The orphaned one is discarded.
	h.tr.finish("t-gone-live", "deleted-2", nil)
	h.waitSettled(t)
	rec, err := h.store.Get(context.Background(), "deleted-2")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecoveryNeverLeavesRecordsUploading(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		beginUpload(t, h, "r")
	}
	h.tr.restore = nil

	report := h.start(t)
	assert.Equal(t, 5, report.Orphaned)

	uploading, err := h.store.ListByStatus(ctx, domain.StatusUploading)
	require.NoError(t, err)
	assert.Empty(t, uploading)
}

func TestRecoveryWithRebuiltEntryDispatchesOthers(t *testing.T) {
	h := newHarness(t, nil, testConfig())

	running := beginUpload(t, h, "running")
	waiting := h.create(t, "waiting")
	h.tr.restore = []domain.TransferInfo{
		{Handle: "t-running", Key: running.ID, SessionID: testSession, Outcome: domain.OutcomeActive},
	}

	// A dispatch request arrives while recovery has not run.
	res, err := h.p.EnqueuePendingUploads(context.Background())
	require.NoError(t, err)
	require.True(t, res.Deferred)

	h.start(t)

	subs := h.tr.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, waiting.ID, subs[0].key)
	assert.True(t, h.p.Registry().InFlight(running.ID))
}

func TestCompletionHandlerHeldUntilResultsFolded(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	running := beginUpload(t, h, "running")
	h.tr.restore = []domain.TransferInfo{
		{Handle: "t-running", Key: running.ID, SessionID: testSession, Outcome: domain.OutcomeActive},
	}

	var calls atomic.Int32
	h.p.AttachBackgroundCompletionHandler(func() { calls.Add(1) }, testSession)
	assert.Equal(t, 1, h.p.HeldHandlers())

	h.start(t)
	assert.Zero(t, calls.Load(), "the rebuilt transfer is still outstanding")
	assert.Equal(t, 1, h.p.HeldHandlers())

	h.tr.finish("t-running", running.ID, nil)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusUploaded, h.get(t, running.ID).Status, "results are folded before the handler runs")

	// Already settled: a new handler runs at once.
	h.p.AttachBackgroundCompletionHandler(func() { calls.Add(1) }, testSession)
	assert.Equal(t, int32(2), calls.Load())

	assert.Zero(t, h.p.Close())
	assert.Equal(t, int32(2), calls.Load(), "each handler runs exactly once")
}

func TestCompletionHandlerDrainedAtClose(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	var calls atomic.Int32
	h.p.AttachBackgroundCompletionHandler(func() { calls.Add(1) }, testSession)
	h.p.AttachBackgroundCompletionHandler(func() { calls.Add(1) }, "other-session")

	assert.Equal(t, 2, h.p.Close())
	assert.Equal(t, int32(2), calls.Load())

	h.p.AttachBackgroundCompletionHandler(func() { calls.Add(1) }, testSession)
	assert.Equal(t, int32(3), calls.Load(), "handlers attached after teardown run immediately")
}

func TestRecoveryStoreFailure(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	require.NoError(t, h.store.Close())

	_, err := h.p.RestorePendingTasks(context.Background())
	require.Error(t, err)
	var perr *domain.PersistenceError
	assert.True(t, errors.As(err, &perr))
	assert.False(t, h.p.Open())
}

func TestCloseFoldsBufferedResultsBeforeHandlers(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	ctx := context.Background()
	_, err := h.p.RestorePendingTasks(ctx)
	require.NoError(t, err)

	rec := h.create(t, "receipt")
	_, err = h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	handle := h.tr.lastHandle(t, rec.ID)

	var seen []domain.Status
	h.p.AttachBackgroundCompletionHandler(func() {
		seen = append(seen, h.get(t, rec.ID).Status)
	}, testSession)
	require.Equal(t, 1, h.p.HeldHandlers())

	// The result arrives but no Run loop is left to consume it.
	h.tr.finish(handle, rec.ID, nil)
	h.p.Close()

	assert.Equal(t, []domain.Status{domain.StatusUploaded}, seen, "handler runs once, after the result is stored")
	assert.Zero(t, h.p.InFlight())
	assert.Contains(t, h.tr.acknowledged(), handle)
	assert.Empty(t, h.tr.completions)
}

func TestRunFoldsBufferedResultsOnStop(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	_, err := h.p.RestorePendingTasks(context.Background())
	require.NoError(t, err)

	ok := h.create(t, "ok")
	bad := h.create(t, "bad")
	_, err = h.p.EnqueuePendingUploads(context.Background())
	require.NoError(t, err)

	h.tr.finish(h.tr.lastHandle(t, ok.ID), ok.ID, nil)
	h.tr.finish(h.tr.lastHandle(t, bad.ID), bad.ID, errors.New("server returned 500"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.p.Run(ctx), context.Canceled)

	assert.Equal(t, domain.StatusUploaded, h.get(t, ok.ID).Status)
	assert.Equal(t, domain.StatusFailed, h.get(t, bad.ID).Status)
	assert.Zero(t, h.p.InFlight())

	var calls atomic.Int32
	h.p.AttachBackgroundCompletionHandler(func() { calls.Add(1) }, testSession)
	assert.Equal(t, int32(1), calls.Load(), "session is settled after stop")
	assert.Zero(t, h.p.Close())
}
