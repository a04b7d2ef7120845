// Package session implements ports.Transport as a journaled background
// session. Request bodies are spooled to disk and every transfer is
// journaled before Submit returns, so transfers outlive the process that
// submitted them: on the next start Restore reports finished ones and
// relaunches those still active.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/scanship/internal/adapters/fs"
	"github.com/bft-labs/scanship/internal/domain"
	"github.com/bft-labs/scanship/internal/ports"
)

// DefaultConcurrency is the number of simultaneous uploads.
const DefaultConcurrency = 4

const completionBuffer = 256

// ErrClosed is returned by Submit after the session stopped running.
var ErrClosed = errors.New("session: closed")

// errSpoolMissing marks a journaled transfer whose body did not survive.
var errSpoolMissing = errors.New("spooled body missing")

// Config holds session settings.
type Config struct {
	// Dir holds the journal and the spool directory.
	Dir string

	// ID names the session. Completion notifications carry it.
	ID string

	// Concurrency bounds parallel uploads. Default: 4
	Concurrency int

	// TransferTimeout bounds a single upload. Zero means no limit.
	TransferTimeout time.Duration
}

// Session runs uploads on a bounded worker pool and reports results on a channel.
type Session struct {
	cfg      Config
	uploader ports.Uploader
	journal  *fs.Journal
	spool    *fs.Spool
	logger   ports.Logger
	now      func() time.Time

	completions chan domain.CompletionEvent
	notify      chan struct{}

	mu         sync.Mutex
	queue      []domain.TransferHandle
	active     map[domain.TransferHandle]struct{}
	restored   []domain.TransferInfo
	didRestore bool
	running    bool
	closed     bool
	onDrained  func(sessionID string)
}

// New opens the journal in cfg.Dir and returns an idle session.
func New(cfg Config, uploader ports.Uploader, logger ports.Logger) (*Session, error) {
	if cfg.Dir == "" {
		return nil, errors.New("session: dir is required")
	}
	if cfg.ID == "" {
		return nil, errors.New("session: id is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	journal, err := fs.OpenJournal(cfg.Dir, cfg.ID)
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:         cfg,
		uploader:    uploader,
		journal:     journal,
		spool:       fs.NewSpool(filepath.Join(cfg.Dir, "spool")),
		logger:      logger,
		now:         time.Now,
		completions: make(chan domain.CompletionEvent, completionBuffer),
		notify:      make(chan struct{}, 1),
		active:      make(map[domain.TransferHandle]struct{}),
	}, nil
}

// SessionID names the session.
func (s *Session) SessionID() string {
	return s.cfg.ID
}

// Completions delivers finished transfers. It is closed when Run returns.
func (s *Session) Completions() <-chan domain.CompletionEvent {
	return s.completions
}

// OnDrained registers fn to be called whenever the session runs out of
// queued and running transfers.
func (s *Session) OnDrained(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrained = fn
}

// Submit spools payload, journals the transfer and queues it.
// It never waits for the upload.
func (s *Session) Submit(ctx context.Context, key string, payload []byte) (domain.TransferHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	handle := domain.TransferHandle(uuid.NewString())
	if err := s.spool.Write(handle, payload); err != nil {
		return "", err
	}
	entry := fs.JournalEntry{
		Handle:      handle,
		Key:         key,
		SessionID:   s.cfg.ID,
		State:       domain.OutcomeActive,
		Size:        int64(len(payload)),
		Checksum:    domain.Checksum(payload),
		SubmittedAt: s.now().UTC(),
	}
	if err := s.journal.Put(entry); err != nil {
		_ = s.spool.Remove(handle)
		return "", fmt.Errorf("journal transfer: %w", err)
	}

	s.enqueue(handle)
	s.logger.Debug("transfer queued",
		ports.String("handle", string(handle)),
		ports.String("record_id", key),
		ports.Int64("bytes", entry.Size),
	)
	return handle, nil
}

// Restore reports every journaled transfer and queues still-active ones for
// relaunch. A transfer whose spooled body is gone is reported as failed.
// Later calls return the same snapshot without relaunching anything.
func (s *Session) Restore(ctx context.Context) ([]domain.TransferInfo, error) {
	s.mu.Lock()
	if s.didRestore {
		out := append([]domain.TransferInfo(nil), s.restored...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	entries := s.journal.Entries()
	infos := make([]domain.TransferInfo, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.State == domain.OutcomeActive {
			s.mu.Lock()
			_, running := s.active[e.Handle]
			s.mu.Unlock()
			if !running {
				if !s.spool.Exists(e.Handle) {
					e = s.complete(e, errSpoolMissing)
				} else {
					s.enqueue(e.Handle)
				}
			}
		}
		infos = append(infos, e.Info())
	}

	s.mu.Lock()
	s.restored = infos
	s.didRestore = true
	s.mu.Unlock()

	s.logger.Info("session restored",
		ports.String("session", s.cfg.ID),
		ports.Int("transfers", len(infos)),
	)
	return append([]domain.TransferInfo(nil), infos...), nil
}

// Acknowledge forgets a transfer whose result has been folded.
func (s *Session) Acknowledge(ctx context.Context, handle domain.TransferHandle) error {
	if err := s.journal.Remove(handle); err != nil {
		return fmt.Errorf("acknowledge %s: %w", handle, err)
	}
	if err := s.spool.Remove(handle); err != nil {
		s.logger.Warn("remove spooled body failed",
			ports.String("handle", string(handle)),
			ports.Err(err),
		)
	}
	return nil
}

// Pending returns the number of queued or running transfers.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Run drives uploads until ctx is canceled. Transfers interrupted by
// cancellation stay active in the journal and are relaunched by the next
// Restore. The completion channel is closed on return.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = g.Wait()
		close(s.completions)
	}()

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, h := range batch {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				s.transfer(gctx, h)
				return nil
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
	}
}

func (s *Session) enqueue(h domain.TransferHandle) {
	s.mu.Lock()
	s.active[h] = struct{}{}
	s.queue = append(s.queue, h)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// transfer performs one upload and records its outcome.
func (s *Session) transfer(ctx context.Context, h domain.TransferHandle) {
	if ctx.Err() != nil {
		return
	}
	entry, ok := s.journal.Get(h)
	if !ok {
		s.finish(ctx, h, nil)
		return
	}

	start := s.now()
	err := s.upload(ctx, entry)
	if err != nil && ctx.Err() != nil {
		s.logger.Debug("transfer interrupted",
			ports.String("handle", string(h)),
			ports.String("record_id", entry.Key),
		)
		return
	}

	entry = s.complete(entry, err)
	ev := domain.CompletionEvent{
		Handle:    h,
		Key:       entry.Key,
		SessionID: entry.SessionID,
		Outcome:   entry.State,
		Err:       err,
		Duration:  s.now().Sub(start),
		Bytes:     entry.Size,
	}
	s.finish(ctx, h, &ev)
}

func (s *Session) upload(ctx context.Context, entry fs.JournalEntry) error {
	f, err := s.spool.Open(entry.Handle)
	if err != nil {
		return errSpoolMissing
	}
	defer f.Close()

	if s.cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TransferTimeout)
		defer cancel()
	}

	return s.uploader.Upload(ctx, ports.UploadRequest{
		Key:      entry.Key,
		Checksum: entry.Checksum,
		Size:     entry.Size,
		Body:     f,
	})
}

// complete journals the outcome of a transfer and drops its body.
func (s *Session) complete(entry fs.JournalEntry, err error) fs.JournalEntry {
	done := s.now().UTC()
	entry.CompletedAt = &done
	if err != nil {
		entry.State = domain.OutcomeFailed
		entry.Error = err.Error()
	} else {
		entry.State = domain.OutcomeSucceeded
		entry.Error = ""
	}
	if jerr := s.journal.Put(entry); jerr != nil {
		s.logger.Error("journal outcome failed",
			ports.String("handle", string(entry.Handle)),
			ports.Err(jerr),
		)
	}
	if rerr := s.spool.Remove(entry.Handle); rerr != nil {
		s.logger.Warn("remove spooled body failed",
			ports.String("handle", string(entry.Handle)),
			ports.Err(rerr),
		)
	}
	return entry
}

// finish posts ev, if any, and raises the drained hook when nothing is left.
// If ctx ends first the event is dropped; the journal still holds the
// outcome for the next Restore.
func (s *Session) finish(ctx context.Context, h domain.TransferHandle, ev *domain.CompletionEvent) {
	if ev != nil {
		select {
		case s.completions <- *ev:
		case <-ctx.Done():
			return
		}
	}

	s.mu.Lock()
	delete(s.active, h)
	drained := len(s.active) == 0
	hook := s.onDrained
	s.mu.Unlock()

	if drained && hook != nil {
		hook(s.cfg.ID)
	}
}

// Compile-time interface check.
var _ ports.Transport = (*Session)(nil)
