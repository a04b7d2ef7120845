package app

import (
	"sync"

	"github.com/bft-labs/scanship/internal/ports"
)

// CompletionBridge holds "session drained" callbacks until every result of
// that session has been folded into the record store, then calls each one
// exactly once.
//
// Order of use: callbacks may be attached at any time; they are held until
// Open is called after reconciliation; Drain at teardown calls whatever is
// still held. After Drain, Attach calls the callback immediately.
type CompletionBridge struct {
	mu       sync.Mutex
	open     bool
	drained  bool
	held     map[string][]func()
	inFlight func(sessionID string) int
	logger   ports.Logger
}

// NewCompletionBridge creates a closed bridge. inFlight reports how many
// results of a session are still outstanding.
func NewCompletionBridge(inFlight func(sessionID string) int, logger ports.Logger) *CompletionBridge {
	return &CompletionBridge{
		held:     make(map[string][]func()),
		inFlight: inFlight,
		logger:   logger,
	}
}

// Attach registers cb for sessionID and fires it at once if the session is
// already settled.
func (b *CompletionBridge) Attach(cb func(), sessionID string) {
	if cb == nil {
		return
	}

	b.mu.Lock()
	if b.drained {
		b.mu.Unlock()
		cb()
		return
	}
	b.held[sessionID] = append(b.held[sessionID], cb)
	var ready []func()
	if b.open {
		ready = b.takeIfSettledLocked(sessionID)
	}
	b.mu.Unlock()

	b.logger.Debug("completion handler attached",
		ports.String("session", sessionID),
		ports.Bool("fired", len(ready) > 0),
	)
	fire(ready)
}

// Open lets held callbacks fire and fires those whose session is settled.
func (b *CompletionBridge) Open() {
	b.mu.Lock()
	b.open = true
	var ready []func()
	for id := range b.held {
		ready = append(ready, b.takeIfSettledLocked(id)...)
	}
	b.mu.Unlock()

	fire(ready)
}

// Settle fires the callbacks held for sessionID if nothing of it is left in
// flight. The pipeline calls it after each folded result.
func (b *CompletionBridge) Settle(sessionID string) {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return
	}
	ready := b.takeIfSettledLocked(sessionID)
	b.mu.Unlock()

	fire(ready)
}

// Drain fires every held callback regardless of session state and returns
// how many were called.
func (b *CompletionBridge) Drain() int {
	b.mu.Lock()
	b.drained = true
	var ready []func()
	for id, cbs := range b.held {
		ready = append(ready, cbs...)
		delete(b.held, id)
	}
	b.mu.Unlock()

	if len(ready) > 0 {
		b.logger.Info("draining completion handlers", ports.Int("count", len(ready)))
	}
	fire(ready)
	return len(ready)
}

// Held returns the number of callbacks waiting.
func (b *CompletionBridge) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, cbs := range b.held {
		n += len(cbs)
	}
	return n
}

func (b *CompletionBridge) takeIfSettledLocked(sessionID string) []func() {
	cbs := b.held[sessionID]
	if len(cbs) == 0 || b.inFlight(sessionID) > 0 {
		return nil
	}
	delete(b.held, sessionID)
	return cbs
}

func fire(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
