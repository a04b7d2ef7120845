package scanship

import (
	"github.com/bft-labs/scanship/internal/app"
	"github.com/bft-labs/scanship/internal/domain"
	"github.com/bft-labs/scanship/internal/ports"
	"github.com/bft-labs/scanship/pkg/log"
)

// Record is one captured document and its delivery state.
type Record = domain.Record

// Status is the delivery state of a Record.
type Status = domain.Status

// Record statuses.
const (
	StatusPending   = domain.StatusPending
	StatusUploading = domain.StatusUploading
	StatusUploaded  = domain.StatusUploaded
	StatusFailed    = domain.StatusFailed
)

// DispatchResult summarizes one dispatch pass.
type DispatchResult = app.DispatchResult

// RecoveryReport summarizes startup reconciliation.
type RecoveryReport = app.RecoveryReport

// Logger is the interface for structured logging.
type Logger = log.Logger

// LogField represents a structured log field.
type LogField = log.Field

// HTTPClient is the interface for making HTTP requests.
// *http.Client satisfies this interface.
type HTTPClient = ports.HTTPClient

// Uploader delivers one document body. Supply one with WithUploader to
// replace the built-in HTTP and GCS uploaders.
type Uploader = ports.Uploader

// UploadRequest describes a single document transfer.
type UploadRequest = ports.UploadRequest

// Errors returned by the public API. Check them with errors.Is.
var (
	ErrAlreadyRunning    = domain.ErrAlreadyRunning
	ErrNotRunning        = domain.ErrNotRunning
	ErrShutdownTimeout   = domain.ErrShutdownTimeout
	ErrInvalidConfig     = domain.ErrInvalidConfig
	ErrRecordNotFound    = domain.ErrRecordNotFound
	ErrInvalidTransition = domain.ErrInvalidTransition
	ErrEmptyPayload      = domain.ErrEmptyPayload
)

// PersistenceError reports a record store failure.
type PersistenceError = domain.PersistenceError

// TransferSubmissionError reports that the transport refused a transfer.
type TransferSubmissionError = domain.TransferSubmissionError

// ParseStatus converts user input such as "failed" into a Status.
func ParseStatus(raw string) (Status, error) {
	return domain.ParseStatus(raw)
}
