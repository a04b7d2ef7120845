package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
)

// Create inserts a new pending record for payload.
func (s *Store) Create(ctx context.Context, payload []byte) (*domain.Record, error) {
	if len(payload) == 0 {
		return nil, domain.ErrEmptyPayload
	}
	rec := domain.NewRecord(payload, s.now())
	timestamp := formatTime(rec.CreatedAt)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO records (
                id, status, payload, size, checksum, upload_attempts, last_error, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
			rec.ID,
			domain.StatusPending,
			rec.Payload,
			rec.Size,
			rec.Checksum,
			timestamp,
			timestamp,
		)
		return err
	})
	if err != nil {
		return nil, persistErr("create", rec.ID, fmt.Errorf("insert record: %w", err))
	}
	return rec, nil
}

// Get fetches a record with its payload. It returns nil, nil when the
// record does not exist.
func (s *Store) Get(ctx context.Context, id string) (*domain.Record, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get", id, fmt.Errorf("get record: %w", err))
	}
	return rec, nil
}

// UpdateStatus moves a record to status to. Moving to uploading counts as a
// submission and increments the attempt counter in the same transaction.
func (s *Store) UpdateStatus(ctx context.Context, id string, to domain.Status, detail string) (*domain.Record, error) {
	rec, err := s.transition(ctx, id, func(from domain.Status) (domain.Event, error) {
		return domain.EventFor(from, to)
	}, detail, false)
	if err != nil {
		return nil, persistErr("update status", id, err)
	}
	return rec, nil
}

// BeginUpload marks a pending or failed record as uploading and increments
// its attempts. The returned record carries the payload.
func (s *Store) BeginUpload(ctx context.Context, id string) (*domain.Record, error) {
	rec, err := s.transition(ctx, id, func(domain.Status) (domain.Event, error) {
		return domain.EventSubmit, nil
	}, "", true)
	if err != nil {
		return nil, persistErr("begin upload", id, err)
	}
	return rec, nil
}

// transition is the shared read-validate-write unit behind status changes.
func (s *Store) transition(
	ctx context.Context,
	id string,
	pick func(from domain.Status) (domain.Event, error),
	detail string,
	withPayload bool,
) (*domain.Record, error) {
	var out *domain.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cols := listColumns
		if withPayload {
			cols = recordColumns
		}
		rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+cols+` FROM records WHERE id = ?`, id), withPayload)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}

		event, err := pick(rec.Status)
		if err != nil {
			return err
		}
		next, err := domain.Transition(rec.Status, event)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		attempts := rec.UploadAttempts
		lastError := rec.LastError
		switch next {
		case domain.StatusUploading:
			attempts++
		case domain.StatusFailed:
			lastError = detail
		case domain.StatusUploaded, domain.StatusPending:
			lastError = ""
		}

		res, err := tx.ExecContext(
			ctx,
			`UPDATE records
             SET status = ?, upload_attempts = ?, last_error = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			next,
			attempts,
			nullableString(lastError),
			formatTime(now),
			id,
			rec.Status,
		)
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s changed concurrently", domain.ErrInvalidTransition, id)
		}

		rec.Status = next
		rec.UploadAttempts = attempts
		rec.LastError = lastError
		rec.UpdatedAt = now
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IncrementAttempts adds one to the record's attempt counter.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (*domain.Record, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE records SET upload_attempts = upload_attempts + 1, updated_at = ? WHERE id = ?`,
		formatTime(s.now()),
		id,
	)
	if err != nil {
		return nil, persistErr("increment attempts", id, fmt.Errorf("update attempts: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	return s.Get(ctx, id)
}

// AbortUpload restores a record whose submission the transport refused.
// It only applies while the record still shows the attempt BeginUpload added.
func (s *Store) AbortUpload(ctx context.Context, id string, restore domain.Status, attempts int) error {
	if restore != domain.StatusPending && restore != domain.StatusFailed {
		return fmt.Errorf("%w: cannot restore to %s", domain.ErrInvalidTransition, restore)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE records SET status = ?, upload_attempts = ?, updated_at = ?
         WHERE id = ? AND status = ? AND upload_attempts = ?`,
		restore,
		attempts,
		formatTime(s.now()),
		id,
		domain.StatusUploading,
		attempts+1,
	)
	if err != nil {
		return persistErr("abort upload", id, fmt.Errorf("restore record: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
		}
		return fmt.Errorf("%w: %s is %s with %d attempts", domain.ErrInvalidTransition, id, existing.Status, existing.UploadAttempts)
	}
	return nil
}

// Delete removes a record by ID.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return false, persistErr("delete", id, fmt.Errorf("delete record: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("delete", id, fmt.Errorf("rows affected: %w", err))
	}
	return affected > 0, nil
}

// ListByStatus returns records newest first, ties broken by ID.
func (s *Store) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Record, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + listColumns + ` FROM records`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list", "", fmt.Errorf("list records: %w", err))
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows, false)
		if err != nil {
			return nil, persistErr("list", "", fmt.Errorf("scan record: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list", "", err)
	}
	return records, nil
}

// RetryFailed re-arms failed records as pending.
func (s *Store) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	query := `UPDATE records SET status = ?, last_error = NULL, updated_at = ? WHERE status = ?`
	args := []any{domain.StatusPending, formatTime(s.now()), domain.StatusFailed}
	if len(ids) > 0 {
		query += ` AND id IN (` + makePlaceholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, persistErr("retry failed", "", fmt.Errorf("rearm records: %w", err))
	}
	return res.RowsAffected()
}

// PurgeUploaded deletes delivered records older than before.
func (s *Store) PurgeUploaded(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM records WHERE status = ? AND updated_at < ?`,
		domain.StatusUploaded,
		formatTime(before),
	)
	if err != nil {
		return 0, persistErr("purge", "", fmt.Errorf("purge uploaded: %w", err))
	}
	return res.RowsAffected()
}

// Stats returns a count of records grouped by status.
func (s *Store) Stats(ctx context.Context) (map[domain.Status]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM records GROUP BY status`)
	if err != nil {
		return nil, persistErr("stats", "", fmt.Errorf("record stats: %w", err))
	}
	defer rows.Close()

	stats := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, persistErr("stats", "", err)
		}
		stats[domain.Status(status)] = count
	}
	return stats, rows.Err()
}
