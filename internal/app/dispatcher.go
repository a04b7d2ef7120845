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

// DispatchResult summarizes one dispatch pass.
type DispatchResult struct {
	// Submitted holds the IDs of records handed to the transport.
	Submitted []string

	// Skipped counts candidates already in flight or changed underneath.
	Skipped int

	// Deferred is set when the request arrived before reconciliation
	// finished. It runs once the pipeline opens.
	Deferred bool

	// Gated is set when the gate closed the pass.
	Gated bool

	// Errors holds per-record failures, typically
	// *domain.TransferSubmissionError or *domain.PersistenceError.
	Errors []error
}

// Err joins the per-record errors.
func (r DispatchResult) Err() error {
	return errors.Join(r.Errors...)
}

// Dispatcher submits pending and retry-eligible failed records to the
// transport. Passes are serialized, so redundant calls never submit a
// record twice.
type Dispatcher struct {
	mu        sync.Mutex
	store     ports.RecordStore
	transport ports.Transport
	registry  *Registry
	policy    RetryPolicy
	gate      ports.Gate
	logger    ports.Logger
	emitter   UploadEventEmitter
	obs       *observability.Config
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. gate and emitter may be nil.
func NewDispatcher(
	store ports.RecordStore,
	transport ports.Transport,
	registry *Registry,
	policy RetryPolicy,
	gate ports.Gate,
	logger ports.Logger,
	emitter UploadEventEmitter,
	obs *observability.Config,
) *Dispatcher {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		registry:  registry,
		policy:    policy,
		gate:      gate,
		logger:    logger,
		emitter:   emitter,
		obs:       obs,
		now:       time.Now,
	}
}

// Dispatch runs one pass. The returned error is set only when the
// candidate listing itself failed; per-record problems are in the result.
func (d *Dispatcher) Dispatch(ctx context.Context) (DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res DispatchResult
	sessionID := d.transport.SessionID()
	start := d.now()

	ctx, span := d.obs.Tracer().StartDispatch(ctx, sessionID)
	defer span.End()

	if d.gate != nil && !d.gate.OK() {
		d.logger.Debug("dispatch gated")
		res.Gated = true
		return res, nil
	}

	candidates, err := d.candidates(ctx, start)
	if err != nil {
		observability.RecordError(span, err)
		return res, err
	}

	for _, rec := range candidates {
		if ctx.Err() != nil {
			break
		}
		submitted, err := d.submit(ctx, rec, sessionID)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, err)
		case submitted:
			res.Submitted = append(res.Submitted, rec.ID)
		default:
			res.Skipped++
		}
	}

	d.obs.Metrics().RecordDispatch(ctx, len(res.Submitted), d.now().Sub(start))
	if len(res.Submitted) > 0 || len(res.Errors) > 0 {
		d.logger.Info("dispatch pass",
			ports.Int("submitted", len(res.Submitted)),
			ports.Int("skipped", res.Skipped),
			ports.Int("errors", len(res.Errors)),
		)
	}
	if err := res.Err(); err != nil {
		observability.RecordError(span, err)
	}
	return res, nil
}

// candidates lists submittable records oldest first.
func (d *Dispatcher) candidates(ctx context.Context, now time.Time) ([]*domain.Record, error) {
	recs, err := d.store.ListByStatus(ctx, domain.StatusPending, domain.StatusFailed)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Record, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if d.policy.Due(recs[i], now) {
			out = append(out, recs[i])
		}
	}
	return out, nil
}

// submit moves one record to uploading and hands it to the transport.
// It returns false without error when the record was skipped.
func (d *Dispatcher) submit(ctx context.Context, rec *domain.Record, sessionID string) (bool, error) {
	if !d.registry.Reserve(rec.ID, sessionID, d.now()) {
		return false, nil
	}

	started, err := d.store.BeginUpload(ctx, rec.ID)
	if err != nil {
		d.registry.Release(rec.ID)
		if errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			d.logger.Debug("record changed before submit",
				ports.String("record_id", rec.ID),
				ports.Err(err),
			)
			return false, nil
		}
		return false, err
	}

	handle, err := d.transport.Submit(ctx, started.ID, started.Payload)
	if err != nil {
		d.registry.Release(rec.ID)
		if aerr := d.store.AbortUpload(context.WithoutCancel(ctx), rec.ID, rec.Status, started.UploadAttempts-1); aerr != nil {
			d.logger.Error("roll back rejected submission failed",
				ports.String("record_id", rec.ID),
				ports.Err(aerr),
			)
		}
		d.obs.Metrics().RecordSubmitFailed(ctx, sessionID)
		serr := &domain.TransferSubmissionError{RecordID: rec.ID, Err: err}
		d.logger.Warn("transport rejected submission",
			ports.String("record_id", rec.ID),
			ports.Err(err),
		)
		d.emitter.OnSubmitError(rec.ID, serr)
		return false, serr
	}

	if !d.registry.Bind(rec.ID, handle) {
		d.logger.Warn("registry entry vanished before bind",
			ports.String("record_id", rec.ID),
			ports.String("handle", string(handle)),
		)
	}

	d.obs.Metrics().RecordSubmitted(ctx, sessionID)
	d.logger.Debug("record submitted",
		ports.String("record_id", rec.ID),
		ports.String("handle", string(handle)),
		ports.Int("attempts", started.UploadAttempts),
	)
	d.emitter.OnSubmitted(rec.ID, handle, started.UploadAttempts)
	return true, nil
}
