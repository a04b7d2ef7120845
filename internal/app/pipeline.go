package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
	"github.com/bft-labs/scanship/internal/observability"
	"github.com/bft-labs/scanship/internal/ports"
)

// DefaultPollInterval is how often the pipeline looks for due retries.
const DefaultPollInterval = 15 * time.Second

// closeFoldTimeout bounds the store writes Close makes for results that
// arrived after Run stopped.
const closeFoldTimeout = 10 * time.Second

// PipelineConfig contains configuration for the upload pipeline.
type PipelineConfig struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Policy returns the retry policy described by the configuration.
func (c PipelineConfig) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

type phase int

const (
	phaseRestoring phase = iota
	phaseOpen
	phaseClosed
)

// Pipeline moves captured records to the remote endpoint. It starts in a
// restoring phase where dispatch requests are deferred; RestorePendingTasks
// reconciles durable state with the transport and opens it. A single Run
// loop folds transport results into the record store.
type Pipeline struct {
	cfg        PipelineConfig
	store      ports.RecordStore
	transport  ports.Transport
	registry   *Registry
	bridge     *CompletionBridge
	dispatcher *Dispatcher
	gate       ports.Gate
	logger     ports.Logger
	emitter    PipelineEventEmitter
	obs        *observability.Config
	now        func() time.Time

	mu         sync.Mutex
	phase      phase
	recovering bool
	deferred   bool
	running    bool
	backlog    []domain.CompletionEvent
}

// PipelineOption configures optional pipeline collaborators.
type PipelineOption func(*Pipeline)

// WithGate closes dispatch passes while g reports not OK.
func WithGate(g ports.Gate) PipelineOption {
	return func(p *Pipeline) { p.gate = g }
}

// WithEventEmitter receives submission, completion and recovery events.
func WithEventEmitter(e PipelineEventEmitter) PipelineOption {
	return func(p *Pipeline) {
		if e != nil {
			p.emitter = e
		}
	}
}

// WithObservability sets the metrics and tracing configuration.
func WithObservability(o *observability.Config) PipelineOption {
	return func(p *Pipeline) { p.obs = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline in the restoring phase.
func NewPipeline(
	cfg PipelineConfig,
	store ports.RecordStore,
	transport ports.Transport,
	logger ports.Logger,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		cfg:       cfg.withDefaults(),
		store:     store,
		transport: transport,
		registry:  NewRegistry(),
		logger:    logger,
		emitter:   nopEmitter{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.obs == nil {
		p.obs = observability.NewConfig()
	}
	p.bridge = NewCompletionBridge(p.registry.CountForSession, logger)
	p.dispatcher = NewDispatcher(store, transport, p.registry, p.cfg.Policy(), p.gate, logger, p.emitter, p.obs)
	p.dispatcher.now = p.now
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() PipelineConfig {
	return p.cfg
}

// Registry exposes the in-flight transfer registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Open reports whether reconciliation has finished and the pipeline is
// accepting work.
func (p *Pipeline) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == phaseOpen
}

// EnqueuePendingUploads submits every pending record and every failed
// record whose retry is due. Before reconciliation finishes the request is
// deferred and runs once the pipeline opens.
func (p *Pipeline) EnqueuePendingUploads(ctx context.Context) (DispatchResult, error) {
	p.mu.Lock()
	switch p.phase {
	case phaseRestoring:
		p.deferred = true
		p.mu.Unlock()
		p.logger.Debug("dispatch deferred until recovery completes")
		return DispatchResult{Deferred: true}, nil
	case phaseClosed:
		p.mu.Unlock()
		return DispatchResult{}, domain.ErrNotRunning
	}
	p.mu.Unlock()

	return p.dispatcher.Dispatch(ctx)
}

// AttachBackgroundCompletionHandler registers cb to be called once every
// result of sessionID has been folded into the record store. It is held
// until reconciliation finishes and is called at teardown at the latest.
func (p *Pipeline) AttachBackgroundCompletionHandler(cb func(), sessionID string) {
	p.bridge.Attach(cb, sessionID)
}

// SessionSettled is called by the transport when a session runs out of
// work. Held handlers fire if every result has been folded.
func (p *Pipeline) SessionSettled(sessionID string) {
	p.bridge.Settle(sessionID)
}

// Capture persists payload as a new pending record and triggers a dispatch
// pass. Dispatch problems are logged; the record is safe either way.
func (p *Pipeline) Capture(ctx context.Context, payload []byte) (*domain.Record, error) {
	rec, err := p.store.Create(ctx, payload)
	if err != nil {
		return nil, err
	}
	p.logger.Info("record captured",
		ports.String("record_id", rec.ID),
		ports.Int64("bytes", rec.Size),
	)

	p.kick(ctx)
	return rec, nil
}

// Retry re-arms failed records, all of them when ids is empty, and
// triggers a dispatch pass.
func (p *Pipeline) Retry(ctx context.Context, ids ...string) (int64, error) {
	n, err := p.store.RetryFailed(ctx, ids...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("records re-armed", ports.Int64("count", n))
		p.kick(ctx)
	}
	return n, nil
}

// Delete removes a record. A transfer still in flight for it is orphaned:
// its result is discarded when it arrives.
func (p *Pipeline) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := p.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if p.registry.MarkOrphaned(id) {
		p.logger.Info("in-flight transfer orphaned by delete", ports.String("record_id", id))
	}
	return ok, nil
}

// Records lists records in the given statuses, newest first.
func (p *Pipeline) Records(ctx context.Context, statuses ...domain.Status) ([]*domain.Record, error) {
	return p.store.ListByStatus(ctx, statuses...)
}

// Stats counts records per status.
func (p *Pipeline) Stats(ctx context.Context) (map[domain.Status]int, error) {
	return p.store.Stats(ctx)
}

// InFlight returns the number of transfers awaiting a result.
func (p *Pipeline) InFlight() int {
	return p.registry.Len()
}

// HeldHandlers returns the number of completion handlers not yet called.
func (p *Pipeline) HeldHandlers() int {
	return p.bridge.Held()
}

// Close stops accepting dispatch requests, folds results the transport has
// already delivered, and calls every completion handler still held. It
// returns how many handlers were drained.
func (p *Pipeline) Close() int {
	p.mu.Lock()
	fold := p.phase == phaseOpen && !p.running
	backlog := p.backlog
	p.backlog = nil
	p.phase = phaseClosed
	p.mu.Unlock()

	if fold {
		ctx, cancel := context.WithTimeout(context.Background(), closeFoldTimeout)
		defer cancel()
		if left := p.foldBuffered(ctx, backlog); len(left) > 0 {
			p.logger.Warn("results left unfolded at close", ports.Int("count", len(left)))
		}
	}
	return p.bridge.Drain()
}

func (p *Pipeline) kick(ctx context.Context) {
	res, err := p.EnqueuePendingUploads(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotRunning) {
			p.logger.Warn("dispatch failed", ports.Err(err))
		}
		return
	}
	for _, e := range res.Errors {
		p.logger.Warn("dispatch error", ports.Err(e))
	}
}

// Run folds transport results into the record store and polls for due
// retries until ctx is canceled. It requires RestorePendingTasks first.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.phase == phaseRestoring {
		p.mu.Unlock()
		return domain.ErrNotRestored
	}
	if p.running {
		p.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	bo := newBackoff(DefaultBackoffInitial, DefaultBackoffMax)
	completions := p.transport.Completions()
	p.mu.Lock()
	backlog := p.backlog
	p.backlog = nil
	p.mu.Unlock()

	stop := func() error {
		left := p.foldBuffered(context.WithoutCancel(ctx), backlog)
		p.mu.Lock()
		p.backlog = left
		p.mu.Unlock()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return stop()

		case ev, ok := <-completions:
			if !ok {
				p.logger.Debug("transport completions closed")
				completions = nil
				continue
			}
			if err := p.fold(ctx, ev); err != nil {
				p.logger.Error("fold result failed, will retry",
					ports.String("record_id", ev.Key),
					ports.String("handle", string(ev.Handle)),
					ports.Err(err),
				)
				backlog = append(backlog, ev)
			}

		case <-ticker.C:
			backlog = p.refold(ctx, backlog)
			if _, err := p.EnqueuePendingUploads(ctx); err != nil {
				if errors.Is(err, domain.ErrNotRunning) {
					continue
				}
				p.logger.Error("dispatch failed", ports.Err(err))
				if !bo.Wait(ctx) {
					return stop()
				}
				continue
			}
			bo.Reset()
		}
	}
}

// foldBuffered folds the backlog and every result already waiting on the
// completion channel, without waiting for more. Results that still fail
// are returned.
func (p *Pipeline) foldBuffered(ctx context.Context, backlog []domain.CompletionEvent) []domain.CompletionEvent {
	backlog = p.refold(ctx, backlog)
	completions := p.transport.Completions()
	for {
		select {
		case ev, ok := <-completions:
			if !ok {
				return backlog
			}
			if err := p.fold(ctx, ev); err != nil {
				backlog = append(backlog, ev)
			}
		default:
			return backlog
		}
	}
}

// refold retries results whose store update failed earlier.
func (p *Pipeline) refold(ctx context.Context, backlog []domain.CompletionEvent) []domain.CompletionEvent {
	var keep []domain.CompletionEvent
	for _, ev := range backlog {
		if err := p.fold(ctx, ev); err != nil {
			keep = append(keep, ev)
		}
	}
	return keep
}

// fold applies one transport result. Results for unknown, orphaned or
// already settled records are acknowledged and discarded. A store error
// leaves the registry entry in place so the result can be folded later.
func (p *Pipeline) fold(ctx context.Context, ev domain.CompletionEvent) error {
	entry, tracked := p.registry.Lookup(ev.Handle, ev.Key)

	outcome := "discarded"
	if tracked && !entry.Orphaned {
		rec, err := p.apply(ctx, ev.Key, ev.Succeeded(), ev.Reason())
		if err != nil {
			return err
		}
		if rec != nil {
			outcome = string(rec.Status)
			p.report(rec, ev.Handle, ev.Duration)
		}
	}
	if outcome == "discarded" {
		p.logger.Debug("discarding transfer result",
			ports.String("record_id", ev.Key),
			ports.String("handle", string(ev.Handle)),
			ports.Bool("tracked", tracked),
		)
	}
	p.obs.Metrics().RecordCompleted(ctx, outcome)

	p.registry.Remove(ev.Handle, ev.Key)
	p.acknowledge(ctx, ev.Handle)
	p.bridge.Settle(ev.SessionID)
	return nil
}

// apply moves an uploading record to its final status. It returns nil
// without error when the record is gone or no longer uploading.
func (p *Pipeline) apply(ctx context.Context, id string, succeeded bool, reason string) (*domain.Record, error) {
	to := domain.StatusFailed
	if succeeded {
		to = domain.StatusUploaded
		reason = ""
	}
	rec, err := p.store.UpdateStatus(ctx, id, to, reason)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (p *Pipeline) report(rec *domain.Record, handle domain.TransferHandle, duration time.Duration) {
	if rec.Status == domain.StatusUploaded {
		p.logger.Info("record uploaded",
			ports.String("record_id", rec.ID),
			ports.Int("attempts", rec.UploadAttempts),
			ports.Duration("duration", duration),
		)
	} else {
		failure := &domain.TransferOutcomeFailure{RecordID: rec.ID, Handle: handle, Reason: rec.LastError}
		p.logger.Warn("upload failed",
			ports.String("record_id", rec.ID),
			ports.Int("attempts", rec.UploadAttempts),
			ports.Bool("exhausted", rec.Exhausted(p.cfg.MaxAttempts)),
			ports.Err(failure),
		)
	}
	p.emitter.OnCompleted(rec.ID, rec.Status, rec.UploadAttempts, rec.LastError, duration)
}

func (p *Pipeline) acknowledge(ctx context.Context, handle domain.TransferHandle) {
	if handle == "" {
		return
	}
	p.registry.Retire(handle)
	if err := p.transport.Acknowledge(ctx, handle); err != nil {
		p.logger.Warn("acknowledge transfer failed",
			ports.String("handle", string(handle)),
			ports.Err(err),
		)
	}
}
