package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
)

// timeLayout is fixed width so text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// listColumns omits the payload; recordColumns includes it.
const (
	listColumns   = "id, status, size, checksum, upload_attempts, last_error, created_at, updated_at"
	recordColumns = listColumns + ", payload"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner, withPayload bool) (*domain.Record, error) {
	var (
		id         string
		statusStr  string
		size       int64
		checksum   string
		attempts   int
		lastError  sql.NullString
		createdRaw string
		updatedRaw string
		payload    []byte
	)

	dest := []any{&id, &statusStr, &size, &checksum, &attempts, &lastError, &createdRaw, &updatedRaw}
	if withPayload {
		dest = append(dest, &payload)
	}
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	rec := &domain.Record{
		ID:             id,
		Status:         domain.Status(statusStr),
		Size:           size,
		Checksum:       checksum,
		UploadAttempts: attempts,
		LastError:      lastError.String,
		Payload:        payload,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		rec.UpdatedAt = updated
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
