package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent error conditions in the scanship domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running instance.
	ErrAlreadyRunning = errors.New("scanship: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped instance.
	ErrNotRunning = errors.New("scanship: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("scanship: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("scanship: invalid configuration")

	// ErrRecordNotFound is returned when an operation targets a missing record.
	ErrRecordNotFound = errors.New("scanship: record not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("scanship: invalid status transition")

	// ErrAlreadyRestored is returned when reconciliation is run twice.
	ErrAlreadyRestored = errors.New("scanship: pending tasks already restored")

	// ErrNotRestored is returned by operations that need reconciliation first.
	ErrNotRestored = errors.New("scanship: pending tasks not restored")

	// ErrEmptyPayload is returned when a capture carries no bytes.
	ErrEmptyPayload = errors.New("scanship: empty payload")
)

// PersistenceError reports a record store failure. The mutation it
// describes was rolled back.
type PersistenceError struct {
	Op       string
	RecordID string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.RecordID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransferSubmissionError reports that the transport refused a transfer.
// The record was restored to its previous status and attempt count.
type TransferSubmissionError struct {
	RecordID string
	Err      error
}

func (e *TransferSubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.RecordID, e.Err)
}

func (e *TransferSubmissionError) Unwrap() error { return e.Err }

// TransferOutcomeFailure is a transfer that ran and failed. It is recorded
// on the record, never returned from the completion path.
type TransferOutcomeFailure struct {
	RecordID string
	Handle   TransferHandle
	Reason   string
}

func (e *TransferOutcomeFailure) Error() string {
	return fmt.Sprintf("transfer %s for %s failed: %s", e.Handle, e.RecordID, e.Reason)
}

// OrphanedTransfer is an uploading record that reconciliation could not
// match with any transfer known to the transport.
type OrphanedTransfer struct {
	RecordID string
	Handle   TransferHandle
}

func (e *OrphanedTransfer) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("record %s is uploading but no transfer survived the restart", e.RecordID)
	}
	return fmt.Sprintf("transfer %s has no matching uploading record %s", e.Handle, e.RecordID)
}

// IsPersistence reports whether err wraps a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
