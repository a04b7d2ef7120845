package app_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/scanship/internal/adapters/sqlite"
	"github.com/bft-labs/scanship/internal/app"
	"github.com/bft-labs/scanship/internal/domain"
	"github.com/bft-labs/scanship/internal/ports"
	"github.com/bft-labs/scanship/pkg/log"
)

const testSession = "session-test"

type submission struct {
	key     string
	handle  domain.TransferHandle
	payload []byte
}

// fakeTransport records submissions and lets tests decide when and how
// transfers finish.
type fakeTransport struct {
	mu          sync.Mutex
	seq         int
	submitted   []submission
	submitErr   error
	restore     []domain.TransferInfo
	restoreErr  error
	acked       []domain.TransferHandle
	completions chan domain.CompletionEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{completions: make(chan domain.CompletionEvent, 64)}
}

func (f *fakeTransport) Submit(ctx context.Context, key string, payload []byte) (domain.TransferHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.seq++
	h := domain.TransferHandle(fmt.Sprintf("h-%d", f.seq))
	f.submitted = append(f.submitted, submission{key: key, handle: h, payload: payload})
	return h, nil
}

func (f *fakeTransport) Completions() <-chan domain.CompletionEvent {
	return f.completions
}

func (f *fakeTransport) Restore(ctx context.Context) ([]domain.TransferInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restore, f.restoreErr
}

func (f *fakeTransport) Acknowledge(ctx context.Context, h domain.TransferHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, h)
	return nil
}

func (f *fakeTransport) SessionID() string {
	return testSession
}

func (f *fakeTransport) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

func (f *fakeTransport) acknowledged() []domain.TransferHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TransferHandle(nil), f.acked...)
}

// lastHandle returns the handle of the latest submission for key.
func (f *fakeTransport) lastHandle(t *testing.T, key string) domain.TransferHandle {
	t.Helper()
	subs := f.submissions()
	for i := len(subs) - 1; i >= 0; i-- {
		if subs[i].key == key {
			return subs[i].handle
		}
	}
	t.Fatalf("no submission for %s", key)
	return ""
}

func (f *fakeTransport) finish(h domain.TransferHandle, key string, err error) {
	ev := domain.CompletionEvent{Handle: h, Key: key, SessionID: testSession, Outcome: domain.OutcomeSucceeded}
	if err != nil {
		ev.Outcome = domain.OutcomeFailed
		ev.Err = err
	}
	f.completions <- ev
}

type harness struct {
	store *sqlite.Store
	tr    *fakeTransport
	p     *app.Pipeline
}

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), sqlite.DefaultFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() app.PipelineConfig {
	return app.PipelineConfig{
		MaxAttempts:    5,
		RetryBaseDelay: time.Nanosecond,
		RetryMaxDelay:  time.Nanosecond,
		PollInterval:   time.Hour,
	}
}

func newHarness(t *testing.T, store *sqlite.Store, cfg app.PipelineConfig, opts ...app.PipelineOption) *harness {
	t.Helper()
	if store == nil {
		store = openTestStore(t)
	}
	tr := newFakeTransport()
	return &harness{
		store: store,
		tr:    tr,
		p:     app.NewPipeline(cfg, store, tr, log.NewNoopLogger(), opts...),
	}
}

// start reconciles and runs the completion loop until the test ends.
func (h *harness) start(t *testing.T) app.RecoveryReport {
	t.Helper()
	report, err := h.p.RestorePendingTasks(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return report
}

func (h *harness) get(t *testing.T, id string) *domain.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.Status) *domain.Record {
	t.Helper()
	var rec *domain.Record
	require.Eventually(t, func() bool {
		rec = h.get(t, id)
		return rec != nil && rec.Status == want
	}, 5*time.Second, 5*time.Millisecond, "record %s never reached %s", id, want)
	return rec
}

func (h *harness) waitSettled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.p.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) create(t *testing.T, payload string) *domain.Record {
	t.Helper()
	rec, err := h.store.Create(context.Background(), []byte(payload))
	require.NoError(t, err)
	return rec
}

func TestUploadSucceeds(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	ctx := context.Background()

	rec := h.create(t, "receipt")
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Zero(t, rec.UploadAttempts)

	res, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Submitted)

	got := h.get(t, rec.ID)
	assert.Equal(t, domain.StatusUploading, got.Status)
	assert.Equal(t, 1, got.UploadAttempts)

	subs := h.tr.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, rec.ID, subs[0].key)
	assert.Equal(t, []byte("receipt"), subs[0].payload)

	h.tr.finish(subs[0].handle, rec.ID, nil)
	got = h.waitStatus(t, rec.ID, domain.StatusUploaded)
	assert.Equal(t, 1, got.UploadAttempts)

	h.waitSettled(t)
	assert.Contains(t, h.tr.acknowledged(), subs[0].handle)
}

func TestFailedUploadIsRetried(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	ctx := context.Background()

	rec := h.create(t, "receipt")
	_, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)

	h.tr.finish(h.tr.lastHandle(t, rec.ID), rec.ID, errors.New("server returned 503"))
	got := h.waitStatus(t, rec.ID, domain.StatusFailed)
	assert.Equal(t, 1, got.UploadAttempts)
	assert.Contains(t, got.LastError, "503")
	h.waitSettled(t)

	res, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Submitted)

	got = h.get(t, rec.ID)
	assert.Equal(t, domain.StatusUploading, got.Status)
	assert.Equal(t, 2, got.UploadAttempts)

	h.tr.finish(h.tr.lastHandle(t, rec.ID), rec.ID, nil)
	got = h.waitStatus(t, rec.ID, domain.StatusUploaded)
	assert.Equal(t, 2, got.UploadAttempts)
	assert.Empty(t, got.LastError)
}

func TestRepeatedEnqueueSubmitsOnce(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	ctx := context.Background()

	a := h.create(t, "a")
	b := h.create(t, "b")

	var wg sync.WaitGroup
	var submitted atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.p.EnqueuePendingUploads(ctx)
			assert.NoError(t, err)
			submitted.Add(int64(len(res.Submitted)))
		}()
	}
	wg.Wait()

	res, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Submitted)

	assert.Equal(t, int64(2), submitted.Load())
	subs := h.tr.submissions()
	require.Len(t, subs, 2)
	keys := []string{subs[0].key, subs[1].key}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, keys)
	assert.Equal(t, 1, h.get(t, a.ID).UploadAttempts)
	assert.Equal(t, 1, h.get(t, b.ID).UploadAttempts)
}

func TestDuplicateCompletionIsIgnored(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)

	rec := h.create(t, "receipt")
	_, err := h.p.EnqueuePendingUploads(context.Background())
	require.NoError(t, err)
	handle := h.tr.lastHandle(t, rec.ID)

	h.tr.finish(handle, rec.ID, nil)
	h.waitStatus(t, rec.ID, domain.StatusUploaded)

	h.tr.finish(handle, rec.ID, errors.New("late failure"))
	require.Eventually(t, func() bool { return len(h.tr.acknowledged()) == 2 }, 5*time.Second, 5*time.Millisecond)

	got := h.get(t, rec.ID)
	assert.Equal(t, domain.StatusUploaded, got.Status)
	assert.Equal(t, 1, got.UploadAttempts)
	assert.Empty(t, got.LastError)
}

func TestDeleteWhileUploading(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	ctx := context.Background()

	rec := h.create(t, "receipt")
	_, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	handle := h.tr.lastHandle(t, rec.ID)

	deleted, err := h.p.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	entries := h.p.Registry().Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Orphaned)

	h.tr.finish(handle, rec.ID, nil)
	h.waitSettled(t)

	assert.Nil(t, h.get(t, rec.ID), "deleted record must not come back")
	assert.Contains(t, h.tr.acknowledged(), handle)

	all, err := h.p.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmissionRejectedRollsBack(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	ctx := context.Background()

	rec := h.create(t, "receipt")
	h.tr.submitErr = errors.New("session invalidated")

	res, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Submitted)
	require.Len(t, res.Errors, 1)

	var serr *domain.TransferSubmissionError
	require.ErrorAs(t, res.Err(), &serr)
	assert.Equal(t, rec.ID, serr.RecordID)

	got := h.get(t, rec.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.UploadAttempts)
	assert.Zero(t, h.p.InFlight())

	h.tr.mu.Lock()
	h.tr.submitErr = nil
	h.tr.mu.Unlock()

	res, err = h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Submitted)
	assert.Equal(t, 1, h.get(t, rec.ID).UploadAttempts)
}

func TestRetryCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, nil, cfg)
	h.start(t)
	ctx := context.Background()

	rec := h.create(t, "receipt")
	for i := 1; i <= 2; i++ {
		res, err := h.p.EnqueuePendingUploads(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{rec.ID}, res.Submitted, "attempt %d", i)
		h.tr.finish(h.tr.lastHandle(t, rec.ID), rec.ID, errors.New("unreachable"))
		h.waitStatus(t, rec.ID, domain.StatusFailed)
		h.waitSettled(t)
	}

	res, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Submitted)

	got := h.get(t, rec.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.True(t, got.Exhausted(cfg.MaxAttempts))

	n, err := h.p.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got = h.get(t, rec.ID)
	assert.Equal(t, domain.StatusUploading, got.Status, "retry dispatches immediately")
	assert.Equal(t, 3, got.UploadAttempts)
}

func TestRetryDelayHoldsBackFailedRecords(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	h := newHarness(t, nil, cfg)
	h.start(t)
	ctx := context.Background()

	rec := h.create(t, "receipt")
	_, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	h.tr.finish(h.tr.lastHandle(t, rec.ID), rec.ID, errors.New("timeout"))
	h.waitStatus(t, rec.ID, domain.StatusFailed)
	h.waitSettled(t)

	res, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Submitted)
	assert.Len(t, h.tr.submissions(), 1)
}

func TestDispatchOldestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	store, err := sqlite.Open(filepath.Join(t.TempDir(), sqlite.DefaultFileName), sqlite.WithClock(func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, store, testConfig())
	h.start(t)

	first := h.create(t, "first")
	second := h.create(t, "second")
	third := h.create(t, "third")

	res, err := h.p.EnqueuePendingUploads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, res.Submitted)

	listed, err := h.p.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, third.ID, listed[0].ID, "listing is newest first")
}

func TestGateClosesPass(t *testing.T) {
	var open atomic.Bool
	h := newHarness(t, nil, testConfig(), app.WithGate(ports.GateFunc(open.Load)))
	h.start(t)

	rec := h.create(t, "receipt")
	res, err := h.p.EnqueuePendingUploads(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Gated)
	assert.Equal(t, domain.StatusPending, h.get(t, rec.ID).Status)

	open.Store(true)
	res, err = h.p.EnqueuePendingUploads(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Gated)
	assert.Equal(t, []string{rec.ID}, res.Submitted)
}

func TestCaptureDispatches(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)

	rec, err := h.p.Capture(context.Background(), []byte("scan"))
	require.NoError(t, err)
	assert.Equal(t, domain.Checksum([]byte("scan")), rec.Checksum)

	got := h.get(t, rec.ID)
	assert.Equal(t, domain.StatusUploading, got.Status)
	assert.Equal(t, 1, got.UploadAttempts)

	_, err = h.p.Capture(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrEmptyPayload)
}

func TestEnqueueBeforeRestoreIsDeferred(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	ctx := context.Background()

	rec := h.create(t, "receipt")
	res, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Empty(t, h.tr.submissions())
	assert.False(t, h.p.Open())

	h.start(t)
	assert.True(t, h.p.Open())

	subs := h.tr.submissions()
	require.Len(t, subs, 1, "deferred request runs once the pipeline opens")
	assert.Equal(t, rec.ID, subs[0].key)
}

func TestLifecycleOrdering(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	ctx := context.Background()

	assert.ErrorIs(t, h.p.Run(ctx), domain.ErrNotRestored)

	_, err := h.p.RestorePendingTasks(ctx)
	require.NoError(t, err)
	_, err = h.p.RestorePendingTasks(ctx)
	assert.ErrorIs(t, err, domain.ErrAlreadyRestored)

	h.p.Close()
	_, err = h.p.EnqueuePendingUploads(ctx)
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestRestoreFailureCanBeRetried(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	ctx := context.Background()

	h.tr.restoreErr = errors.New("journal unreadable")
	_, err := h.p.RestorePendingTasks(ctx)
	require.Error(t, err)
	assert.False(t, h.p.Open())

	h.tr.mu.Lock()
	h.tr.restoreErr = nil
	h.tr.mu.Unlock()
	_, err = h.p.RestorePendingTasks(ctx)
	require.NoError(t, err)
	assert.True(t, h.p.Open())
}

func TestAttemptsNeverDecrease(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	ctx := context.Background()

	rec := h.create(t, "receipt")
	last := 0
	observe := func() {
		got := h.get(t, rec.ID)
		require.GreaterOrEqual(t, got.UploadAttempts, last)
		if got.Status == domain.StatusUploaded {
			require.Positive(t, got.UploadAttempts)
		}
		last = got.UploadAttempts
	}

	for i := 0; i < 3; i++ {
		_, err := h.p.EnqueuePendingUploads(ctx)
		require.NoError(t, err)
		observe()
		h.tr.finish(h.tr.lastHandle(t, rec.ID), rec.ID, errors.New("flaky"))
		h.waitStatus(t, rec.ID, domain.StatusFailed)
		h.waitSettled(t)
		observe()
	}

	_, err := h.p.EnqueuePendingUploads(ctx)
	require.NoError(t, err)
	h.tr.finish(h.tr.lastHandle(t, rec.ID), rec.ID, nil)
	h.waitStatus(t, rec.ID, domain.StatusUploaded)
	observe()
	assert.Equal(t, 4, last)
}
