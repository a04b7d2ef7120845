package ports

import (
	"context"
	"io"
)

// Uploader delivers one document body to the remote endpoint.
// Implementations handle serialization, authentication and idempotency.
type Uploader interface {
	// Upload transmits the body. A nil error means the remote side has the
	// document, including when it already had it from an earlier attempt.
	Upload(ctx context.Context, req UploadRequest) error
}

// UploadRequest describes a single document transfer.
type UploadRequest struct {
	// Key is the record ID. It doubles as the idempotency key.
	Key string

	// Checksum is the hex xxhash64 digest of the body.
	Checksum string

	// Size is the body length in bytes.
	Size int64

	// Body streams the document bytes.
	Body io.Reader
}

// UploadMetadata provides context for uploads.
// This information is included in HTTP headers for server-side tracking.
type UploadMetadata struct {
	// DeviceID identifies the capturing installation.
	DeviceID string

	// Hostname is the agent's hostname
	Hostname string

	// OSArch is the operating system and architecture (e.g., "linux/amd64")
	OSArch string

	// AuthKey is the API authentication key
	AuthKey string

	// ServiceURL is the base URL of the ingestion service
	ServiceURL string
}
