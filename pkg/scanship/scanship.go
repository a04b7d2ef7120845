package scanship

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bft-labs/scanship/internal/adapters/gcs"
	httpAdapter "github.com/bft-labs/scanship/internal/adapters/http"
	"github.com/bft-labs/scanship/internal/adapters/session"
	"github.com/bft-labs/scanship/internal/adapters/sqlite"
	"github.com/bft-labs/scanship/internal/app"
	"github.com/bft-labs/scanship/internal/observability"
	"github.com/bft-labs/scanship/internal/ports"
	"github.com/bft-labs/scanship/pkg/log"
)

// Scanship is a durable document upload pipeline that can be embedded in
// other applications. Use New() to create an instance, then Start() to
// reconcile state and begin uploading.
type Scanship struct {
	config    Config
	opts      options
	lifecycle *app.Lifecycle
	emitter   *eventEmitterWrapper
	obs       *observability.Config
	gate      ports.Gate
	logger    ports.Logger
	plugins   []Plugin

	mu     sync.RWMutex
	parts  *parts
	cancel context.CancelFunc
}

// parts are the resources of one Start/Stop cycle.
type parts struct {
	store    *sqlite.Store
	session  *session.Session
	pipeline *app.Pipeline
	closer   io.Closer
	released atomic.Bool
}

// New creates a new Scanship instance with the given configuration.
// The record store is opened immediately so records can be listed and
// completion handlers attached before Start. Returns an error if
// configuration is invalid or the store cannot be opened.
func New(cfg Config, opts ...Option) (*Scanship, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{httpClient: &http.Client{Timeout: cfg.HTTPTimeout}}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	emitter := &eventEmitterWrapper{handler: o.eventHandler}

	tp, mp := o.tracerProvider, o.meterProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	obs := observability.NewConfig(
		observability.WithTracerProvider(tp),
		observability.WithMeterProvider(mp),
	)

	gate := o.gate
	if gate == nil && o.gatingConfig != nil {
		gate = newResourceGate(*o.gatingConfig, logger)
	}

	s := &Scanship{
		config:    cfg,
		opts:      o,
		lifecycle: app.NewLifecycle(logger, emitter),
		emitter:   emitter,
		obs:       obs,
		gate:      gate,
		logger:    logger,
		plugins:   o.plugins,
	}

	p, err := s.build(context.Background())
	if err != nil {
		return nil, err
	}
	s.parts = p
	return s, nil
}

// build opens the store and wires a fresh session and pipeline.
func (s *Scanship) build(ctx context.Context) (*parts, error) {
	if err := os.MkdirAll(s.config.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	store, err := sqlite.Open(s.config.databasePath())
	if err != nil {
		return nil, err
	}

	uploader, closer, err := s.newUploader(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sess, err := session.New(session.Config{
		Dir:             s.config.transferDir(),
		ID:              s.config.SessionID,
		Concurrency:     s.config.Concurrency,
		TransferTimeout: s.config.TransferTimeout,
	}, uploader, s.logger)
	if err != nil {
		_ = store.Close()
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	pipeOpts := []app.PipelineOption{
		app.WithEventEmitter(s.emitter),
		app.WithObservability(s.obs),
	}
	if s.gate != nil {
		pipeOpts = append(pipeOpts, app.WithGate(s.gate))
	}
	pipeline := app.NewPipeline(s.config.pipelineConfig(), store, sess, s.logger, pipeOpts...)
	sess.OnDrained(pipeline.SessionSettled)

	return &parts{store: store, session: sess, pipeline: pipeline, closer: closer}, nil
}

func (s *Scanship) newUploader(ctx context.Context) (ports.Uploader, io.Closer, error) {
	if s.opts.uploader != nil {
		return s.opts.uploader, nil, nil
	}
	switch s.config.Transport {
	case TransportGCS:
		u, err := gcs.New(ctx, s.config.GCSBucket, s.config.GCSPrefix, s.config.DeviceID, s.logger)
		if err != nil {
			return nil, nil, err
		}
		return u, u, nil
	default:
		meta := ports.UploadMetadata{
			DeviceID:   s.config.DeviceID,
			Hostname:   s.config.Hostname,
			OSArch:     runtime.GOOS + "/" + runtime.GOARCH,
			AuthKey:    s.config.AuthKey,
			ServiceURL: s.config.ServiceURL,
		}
		return httpAdapter.NewDocumentUploader(s.opts.httpClient, meta, s.logger), nil, nil
	}
}

// release closes the resources of one cycle. Safe to call twice.
func (p *parts) release() error {
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}
	p.pipeline.Close()
	var errs []error
	if p.closer != nil {
		errs = append(errs, p.closer.Close())
	}
	errs = append(errs, p.store.Close())
	return errors.Join(errs...)
}

// Start reconciles the record store with the transfer session and begins
// uploading in the background. It returns once reconciliation is done, so
// every record is either tracked or resolved. The provided context bounds
// the lifetime of the background work.
func (s *Scanship) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lifecycle.CanStart() {
		return ErrAlreadyRunning
	}
	if s.lifecycle.State() == app.StateCrashed {
		_ = s.lifecycle.WaitWithTimeout(app.ShutdownTimeout)
		if err := s.parts.release(); err != nil {
			s.logger.Warn("release resources failed", ports.Err(err))
		}
	}
	if err := s.lifecycle.TransitionTo(app.StateStarting, "Start() called"); err != nil {
		return err
	}

	if s.parts.released.Load() {
		p, err := s.build(ctx)
		if err != nil {
			_ = s.lifecycle.TransitionTo(app.StateCrashed, "build failed")
			return err
		}
		s.parts = p
	}
	p := s.parts

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lifecycle.SetCancel(cancel)

	pluginCfg := PluginConfig{
		StateDir:  s.config.StateDir,
		SessionID: s.config.SessionID,
		DeviceID:  s.config.DeviceID,
		Logger:    s.logger,
		Host:      s,
	}
	for i, pl := range s.plugins {
		if err := pl.Initialize(runCtx, pluginCfg); err != nil {
			s.logger.Error("plugin initialization failed",
				ports.String("plugin", pl.Name()),
				ports.Err(err))
			s.shutdownPlugins(s.plugins[:i])
			cancel()
			_ = s.lifecycle.TransitionTo(app.StateCrashed, "plugin init failed: "+pl.Name())
			return err
		}
		s.logger.Info("plugin initialized", ports.String("plugin", pl.Name()))
	}

	if _, err := p.pipeline.RestorePendingTasks(runCtx); err != nil {
		s.logger.Error("restore pending tasks failed", ports.Err(err))
		s.shutdownPlugins(s.plugins)
		cancel()
		_ = s.lifecycle.TransitionTo(app.StateCrashed, "restore failed")
		return err
	}

	s.lifecycle.Go("session", func() error { return p.session.Run(runCtx) })
	s.lifecycle.Go("pipeline", func() error { return p.pipeline.Run(runCtx) })

	return s.lifecycle.TransitionTo(app.StateRunning, "pending tasks restored")
}

// Stop shuts the pipeline down. Transfers still running stay journaled
// and are picked up by the next Start. Held completion handlers are run.
// Waits up to 30 seconds for workers.
// Returns nil on graceful shutdown, ErrShutdownTimeout if forced.
func (s *Scanship) Stop() error {
	s.mu.Lock()

	if s.lifecycle.State() == app.StateCrashed {
		err := s.lifecycle.Err()
		_ = s.lifecycle.WaitWithTimeout(app.ShutdownTimeout)
		s.shutdownPlugins(s.plugins)
		if rerr := s.parts.release(); rerr != nil {
			s.logger.Warn("release resources failed", ports.Err(rerr))
		}
		s.mu.Unlock()
		if err == nil {
			return ErrNotRunning
		}
		return err
	}

	if !s.lifecycle.CanStop() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if err := s.lifecycle.TransitionTo(app.StateStopping, "Stop() called"); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}
	p := s.parts
	s.mu.Unlock()

	err := s.lifecycle.WaitWithTimeout(app.ShutdownTimeout)

	s.shutdownPlugins(s.plugins)

	if drained := p.pipeline.Close(); drained > 0 {
		s.logger.Info("completion handlers drained", ports.Int("count", drained))
	}
	if rerr := p.release(); rerr != nil {
		s.logger.Warn("release resources failed", ports.Err(rerr))
	}

	if err != nil {
		_ = s.lifecycle.TransitionTo(app.StateCrashed, "shutdown timeout")
	} else {
		_ = s.lifecycle.TransitionTo(app.StateStopped, "graceful shutdown")
	}
	return err
}

func (s *Scanship) shutdownPlugins(plugins []Plugin) {
	ctx := context.Background()
	for i := len(plugins) - 1; i >= 0; i-- {
		pl := plugins[i]
		if err := pl.Shutdown(ctx); err != nil {
			s.logger.Error("plugin shutdown failed",
				ports.String("plugin", pl.Name()),
				ports.Err(err))
		} else {
			s.logger.Info("plugin shutdown complete", ports.String("plugin", pl.Name()))
		}
	}
}

// Status returns the current lifecycle state.
// Safe to call concurrently from any goroutine.
func (s *Scanship) Status() State {
	return State(s.lifecycle.State())
}

func (s *Scanship) current() *parts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parts
}

// Capture stores payload as a new pending record and dispatches it if the
// pipeline is running. The record is durable when Capture returns.
func (s *Scanship) Capture(ctx context.Context, payload []byte) (*Record, error) {
	p := s.current()
	if p.released.Load() {
		return nil, ErrNotRunning
	}
	return p.pipeline.Capture(ctx, payload)
}

// EnqueuePendingUploads submits pending and retry-due failed records. Before
// Start has reconciled state the request is deferred.
func (s *Scanship) EnqueuePendingUploads(ctx context.Context) (DispatchResult, error) {
	p := s.current()
	if p.released.Load() {
		return DispatchResult{}, ErrNotRunning
	}
	return p.pipeline.EnqueuePendingUploads(ctx)
}

// Records lists records in the given statuses, all of them when none are
// given, newest first.
func (s *Scanship) Records(ctx context.Context, statuses ...Status) ([]*Record, error) {
	p := s.current()
	if p.released.Load() {
		return nil, ErrNotRunning
	}
	return p.pipeline.Records(ctx, statuses...)
}

// Stats counts records per status.
func (s *Scanship) Stats(ctx context.Context) (map[Status]int, error) {
	p := s.current()
	if p.released.Load() {
		return nil, ErrNotRunning
	}
	return p.pipeline.Stats(ctx)
}

// Retry re-arms failed records, all of them when ids is empty.
func (s *Scanship) Retry(ctx context.Context, ids ...string) (int64, error) {
	p := s.current()
	if p.released.Load() {
		return 0, ErrNotRunning
	}
	return p.pipeline.Retry(ctx, ids...)
}

// Delete removes a record. An upload in flight for it is discarded when it
// finishes.
func (s *Scanship) Delete(ctx context.Context, id string) (bool, error) {
	p := s.current()
	if p.released.Load() {
		return false, ErrNotRunning
	}
	return p.pipeline.Delete(ctx, id)
}

// PurgeUploaded deletes uploaded records last changed more than olderThan ago.
func (s *Scanship) PurgeUploaded(ctx context.Context, olderThan time.Duration) (int64, error) {
	p := s.current()
	if p.released.Load() {
		return 0, ErrNotRunning
	}
	return p.store.PurgeUploaded(ctx, time.Now().Add(-olderThan))
}

// InFlight returns the number of transfers awaiting a result.
func (s *Scanship) InFlight() int {
	return s.current().pipeline.InFlight()
}

// AttachBackgroundCompletionHandler registers cb to run once every transfer
// of sessionID has been folded into the record store. An empty sessionID
// means the configured session. Handlers attached before Start are held
// until reconciliation finishes; Stop runs any still waiting.
func (s *Scanship) AttachBackgroundCompletionHandler(cb func(), sessionID string) {
	if sessionID == "" {
		sessionID = s.config.SessionID
	}
	s.current().pipeline.AttachBackgroundCompletionHandler(cb, sessionID)
}

// Close releases the record store of an instance that is not running.
// A running instance must be stopped first.
func (s *Scanship) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.lifecycle.State(); st != app.StateStopped && st != app.StateCrashed {
		return ErrAlreadyRunning
	}
	return s.parts.release()
}

var _ Host = (*Scanship)(nil)
