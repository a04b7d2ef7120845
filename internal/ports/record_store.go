package ports

import (
	"context"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
)

// RecordStore is the durable source of truth for captured records.
// Every mutation is atomic per record; failures are returned as
// *domain.PersistenceError and leave the record in its prior state.
type RecordStore interface {
	// Create persists a new pending record with zero attempts.
	Create(ctx context.Context, payload []byte) (*domain.Record, error)

	// Get returns the record including its payload, or nil if it does not exist.
	Get(ctx context.Context, id string) (*domain.Record, error)

	// UpdateStatus applies a validated transition and bumps UpdatedAt.
	// detail is stored as LastError when moving to failed.
	UpdateStatus(ctx context.Context, id string, to domain.Status, detail string) (*domain.Record, error)

	// IncrementAttempts adds one to UploadAttempts.
	IncrementAttempts(ctx context.Context, id string) (*domain.Record, error)

	// BeginUpload moves a pending or failed record to uploading and
	// increments its attempts in one transaction. The returned record
	// carries the payload.
	BeginUpload(ctx context.Context, id string) (*domain.Record, error)

	// AbortUpload undoes BeginUpload after the transport refused the
	// submission, restoring the previous status and attempt count.
	AbortUpload(ctx context.Context, id string, restore domain.Status, attempts int) error

	// Delete removes the record. It reports whether a row was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// ListByStatus returns records in any of the given statuses (all when
	// empty), newest first with ties broken by ID. Payloads are omitted.
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Record, error)

	// Stats counts records per status.
	Stats(ctx context.Context) (map[domain.Status]int, error)

	// RetryFailed re-arms failed records as pending. With no ids every
	// failed record is re-armed.
	RetryFailed(ctx context.Context, ids ...string) (int64, error)

	// PurgeUploaded deletes uploaded records last updated before the cutoff.
	PurgeUploaded(ctx context.Context, before time.Time) (int64, error)

	// Close releases the underlying storage.
	Close() error
}
