package domain

import (
	"encoding/hex"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Record is one captured document awaiting delivery.
// Payload is immutable once the record has been created.
type Record struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Payload        []byte    `json:"-"`
	Size           int64     `json:"size"`
	Checksum       string    `json:"checksum"`
	Status         Status    `json:"status"`
	UploadAttempts int       `json:"upload_attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// NewRecord builds a pending record for payload with a fresh identifier.
func NewRecord(payload []byte, now time.Time) *Record {
	now = now.UTC()
	body := make([]byte, len(payload))
	copy(body, payload)
	return &Record{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   body,
		Size:      int64(len(body)),
		Checksum:  Checksum(body),
		Status:    StatusPending,
	}
}

// Checksum returns the hex xxhash64 digest of payload.
func Checksum(payload []byte) string {
	h := xxhash.New()
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// InFlight reports whether the record is durably marked as being uploaded.
func (r *Record) InFlight() bool {
	return r.Status == StatusUploading
}

// RetryEligible reports whether a failed record may be resubmitted
// automatically given the attempt ceiling.
func (r *Record) RetryEligible(maxAttempts int) bool {
	if r.Status != StatusFailed {
		return false
	}
	return maxAttempts <= 0 || r.UploadAttempts < maxAttempts
}

// Exhausted reports whether a failed record has used up its attempts.
func (r *Record) Exhausted(maxAttempts int) bool {
	return r.Status == StatusFailed && maxAttempts > 0 && r.UploadAttempts >= maxAttempts
}
