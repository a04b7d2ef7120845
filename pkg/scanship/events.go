package scanship

import (
	"time"

	"github.com/bft-labs/scanship/internal/app"
	"github.com/bft-labs/scanship/internal/domain"
)

// State is the lifecycle state of a Scanship instance.
type State int

const (
	// StateStopped means the instance is idle.
	StateStopped State = iota
	// StateStarting means Start is reconciling state.
	StateStarting
	// StateRunning means uploads are being processed.
	StateRunning
	// StateStopping means Stop is waiting for workers.
	StateStopping
	// StateCrashed means a worker failed; Start may be called again.
	StateCrashed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	return app.State(s).String()
}

// StateChangeEvent is emitted on every lifecycle transition.
type StateChangeEvent struct {
	Previous State
	Current  State
	Reason   string
}

// UploadSubmittedEvent is emitted when a record is handed to the session.
type UploadSubmittedEvent struct {
	RecordID string
	Handle   string
	Attempts int
}

// UploadErrorEvent is emitted when the session refused a record. The
// record keeps its previous status.
type UploadErrorEvent struct {
	RecordID string
	Error    error
}

// UploadCompletedEvent is emitted after a transfer result was folded.
type UploadCompletedEvent struct {
	RecordID string
	Status   Status
	Attempts int
	Reason   string
	Duration time.Duration
}

// EventHandler receives scanship events.
type EventHandler interface {
	OnStateChange(StateChangeEvent)
	OnUploadSubmitted(UploadSubmittedEvent)
	OnUploadError(UploadErrorEvent)
	OnUploadCompleted(UploadCompletedEvent)
	OnRecovered(RecoveryReport)
}

// BaseEventHandler implements EventHandler with no-ops. Embed it to
// handle only some events.
type BaseEventHandler struct{}

func (BaseEventHandler) OnStateChange(StateChangeEvent)         {}
func (BaseEventHandler) OnUploadSubmitted(UploadSubmittedEvent) {}
func (BaseEventHandler) OnUploadError(UploadErrorEvent)         {}
func (BaseEventHandler) OnUploadCompleted(UploadCompletedEvent) {}
func (BaseEventHandler) OnRecovered(RecoveryReport)             {}

// eventEmitterWrapper adapts EventHandler to the internal emitter interfaces.
type eventEmitterWrapper struct {
	handler EventHandler
}

func (e *eventEmitterWrapper) OnStateChange(previous, current app.State, reason string) {
	if e.handler == nil {
		return
	}
	e.handler.OnStateChange(StateChangeEvent{
		Previous: State(previous),
		Current:  State(current),
		Reason:   reason,
	})
}

func (e *eventEmitterWrapper) OnSubmitted(recordID string, handle domain.TransferHandle, attempts int) {
	if e.handler == nil {
		return
	}
	e.handler.OnUploadSubmitted(UploadSubmittedEvent{
		RecordID: recordID,
		Handle:   string(handle),
		Attempts: attempts,
	})
}

func (e *eventEmitterWrapper) OnSubmitError(recordID string, err error) {
	if e.handler == nil {
		return
	}
	e.handler.OnUploadError(UploadErrorEvent{RecordID: recordID, Error: err})
}

func (e *eventEmitterWrapper) OnCompleted(recordID string, status domain.Status, attempts int, reason string, duration time.Duration) {
	if e.handler == nil {
		return
	}
	e.handler.OnUploadCompleted(UploadCompletedEvent{
		RecordID: recordID,
		Status:   status,
		Attempts: attempts,
		Reason:   reason,
		Duration: duration,
	})
}

func (e *eventEmitterWrapper) OnRecovered(report app.RecoveryReport) {
	if e.handler == nil {
		return
	}
	e.handler.OnRecovered(report)
}
