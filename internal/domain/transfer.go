package domain

import "time"

// TransferHandle identifies one transfer inside a transport session.
type TransferHandle string

// Outcome is what the transport knows about a transfer.
type Outcome string

const (
	OutcomeActive    Outcome = "active"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Done reports whether the transfer has finished either way.
func (o Outcome) Done() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// TransferInfo describes a transfer the transport preserved across a restart.
type TransferInfo struct {
	Handle      TransferHandle
	Key         string
	SessionID   string
	Outcome     Outcome
	Error       string
	SubmittedAt time.Time
}

// CompletionEvent is posted by the transport when a transfer finishes.
// Key is the record ID the transfer was submitted with.
type CompletionEvent struct {
	Handle    TransferHandle
	Key       string
	SessionID string
	Outcome   Outcome
	Err       error
	Duration  time.Duration
	Bytes     int64
}

// Succeeded reports whether the transfer was delivered.
func (e CompletionEvent) Succeeded() bool {
	return e.Outcome == OutcomeSucceeded
}

// Reason returns the failure text, if any.
func (e CompletionEvent) Reason() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Outcome == OutcomeFailed {
		return "transfer failed"
	}
	return ""
}
