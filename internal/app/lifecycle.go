package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
	"github.com/bft-labs/scanship/internal/ports"
)

// ShutdownTimeout is the maximum time to wait for graceful shutdown.
const ShutdownTimeout = 30 * time.Second

// State represents the lifecycle state of the uploader.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// next lists the states each state may move to.
var next = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateCrashed},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped, StateCrashed},
	StateCrashed:  {StateStarting},
}

// EventEmitter is called when lifecycle state changes.
type EventEmitter interface {
	OnStateChange(previous, current State, reason string)
}

// Lifecycle runs the uploader's long-lived workers and tracks its state.
// A worker that fails moves the lifecycle to Crashed and cancels the rest.
type Lifecycle struct {
	mu           sync.RWMutex
	state        State
	cancel       context.CancelFunc
	workers      map[string]struct{}
	err          error
	wg           sync.WaitGroup
	logger       ports.Logger
	eventEmitter EventEmitter
}

// NewLifecycle creates a stopped lifecycle.
func NewLifecycle(logger ports.Logger, emitter EventEmitter) *Lifecycle {
	return &Lifecycle{
		state:        StateStopped,
		workers:      make(map[string]struct{}),
		logger:       logger,
		eventEmitter: emitter,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// TransitionTo moves to newState. Moves out of Stopped or Crashed other
// than to Starting return domain.ErrNotRunning; any other illegal move
// returns domain.ErrAlreadyRunning.
func (l *Lifecycle) TransitionTo(newState State, reason string) error {
	l.mu.Lock()
	oldState := l.state
	if !allowed(oldState, newState) {
		l.mu.Unlock()
		if oldState == StateStopped || oldState == StateCrashed {
			return domain.ErrNotRunning
		}
		return domain.ErrAlreadyRunning
	}
	l.state = newState
	if newState == StateStarting {
		l.err = nil
	}
	l.mu.Unlock()

	if l.eventEmitter != nil {
		l.eventEmitter.OnStateChange(oldState, newState, reason)
	}

	l.logger.Info("state transition",
		ports.String("from", oldState.String()),
		ports.String("to", newState.String()),
		ports.String("reason", reason),
	)
	return nil
}

func allowed(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanStart returns true if Start() can be called.
func (l *Lifecycle) CanStart() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateStopped || l.state == StateCrashed
}

// CanStop returns true if Stop() can be called.
func (l *Lifecycle) CanStop() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateRunning || l.state == StateStarting
}

// SetCancel stores the function that stops every worker.
func (l *Lifecycle) SetCancel(cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel = cancel
}

// Cancel stops every worker.
func (l *Lifecycle) Cancel() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Go runs fn as a named worker. A context cancellation is a clean exit;
// any other error crashes the lifecycle and cancels the other workers.
func (l *Lifecycle) Go(name string, fn func() error) {
	l.mu.Lock()
	l.workers[name] = struct{}{}
	l.mu.Unlock()
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		err := fn()

		l.mu.Lock()
		delete(l.workers, name)
		l.mu.Unlock()

		if err == nil || errors.Is(err, context.Canceled) {
			l.logger.Debug("worker exited", ports.String("worker", name))
			return
		}
		l.fail(name, err)
	}()
}

func (l *Lifecycle) fail(name string, err error) {
	l.logger.Error("worker failed",
		ports.String("worker", name),
		ports.Err(err),
	)

	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	state := l.state
	l.mu.Unlock()

	if state == StateStarting || state == StateRunning {
		_ = l.TransitionTo(StateCrashed, name+": "+err.Error())
	}
	l.Cancel()
}

// Err returns the first worker failure since the last start.
func (l *Lifecycle) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Workers returns the number of workers still running.
func (l *Lifecycle) Workers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.workers)
}

// WaitWithTimeout waits for all workers to finish with a timeout.
// Returns ErrShutdownTimeout if the timeout expires.
func (l *Lifecycle) WaitWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		l.logger.Warn("shutdown timeout, forcing exit",
			ports.Duration("timeout", timeout),
		)
		return domain.ErrShutdownTimeout
	}
}
