package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

const (
	// DefaultOutboxLease bounds how long a claimed row may stay processing
	// before another dispatcher reclaims it.
	DefaultOutboxLease = 2 * time.Minute

	maxOutboxBackoff = 5 * time.Minute
)

func enqueueOutbox(ctx context.Context, tx *sql.Tx, evt event.Event, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (
		    event_id, aggregate_type, aggregate_id, revision, position, event_type,
		    status, attempt_count, next_attempt_at, last_error, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		evt.ID,
		evt.Stream.AggregateType,
		evt.Stream.AggregateID,
		int64(evt.Revision),
		int64(evt.Position),
		string(evt.Type),
		toMillis(now),
		toMillis(now),
	)
	return err
}

// OutboxRetryBackoff returns the delay before attempt number attempt.
func OutboxRetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 16 {
		return maxOutboxBackoff
	}
	backoff := time.Second << (attempt - 1)
	if backoff > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return backoff
}

// dueCondition selects rows ready for an attempt. A row is only eligible when
// no earlier revision of its stream is still undelivered, which also limits
// a claim to one row per stream.
const dueCondition = `(
	    (o.status IN ('pending', 'retry') AND o.next_attempt_at <= ?)
	    OR (o.status = 'processing' AND o.updated_at <= ?)
	)
	AND NOT EXISTS (
	    SELECT 1 FROM outbox p
	    WHERE p.aggregate_type = o.aggregate_type
	      AND p.aggregate_id = o.aggregate_id
	      AND p.revision < o.revision
	      AND p.status != 'delivered'
	)`

// ClaimOutbox leases due rows and returns them with their events loaded.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]storage.OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if now.IsZero() {
		now = s.now()
	}
	if lease <= 0 {
		lease = DefaultOutboxLease
	}
	staleBefore := now.Add(-lease)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageFailure("begin outbox claim tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox o
		 WHERE `+dueCondition+`
		 ORDER BY o.position ASC
		 LIMIT ?`,
		toMillis(now), toMillis(staleBefore), limit,
	)
	if err != nil {
		return nil, storageFailure("list due outbox rows", err)
	}
	candidates, err := collectOutbox(rows, limit)
	if err != nil {
		return nil, storageFailure("scan due outbox rows", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for i := range candidates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = 'processing', updated_at = ? WHERE event_id = ?`,
			toMillis(now), candidates[i].EventID,
		); err != nil {
			return nil, storageFailure("claim outbox row "+candidates[i].EventID, err)
		}
		candidates[i].Status = storage.OutboxProcessing
		candidates[i].UpdatedAt = fromMillis(toMillis(now))
		ids = append(ids, candidates[i].EventID)
	}

	events, err := eventsByID(ctx, tx, ids)
	if err != nil {
		return nil, storageFailure("load claimed events", err)
	}
	for i := range candidates {
		evt, ok := events[candidates[i].EventID]
		if !ok {
			return nil, fmt.Errorf("outbox row %s has no event", candidates[i].EventID)
		}
		candidates[i].Event = evt
	}

	if err := tx.Commit(); err != nil {
		return nil, storageFailure("commit outbox claim tx", err)
	}
	return candidates, nil
}

// MarkOutboxDelivered records a successful delivery of a processing row.
func (s *Store) MarkOutboxDelivered(ctx context.Context, eventID string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if now.IsZero() {
		now = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE outbox
		 SET status = 'delivered', last_error = '', updated_at = ?, delivered_at = ?
		 WHERE event_id = ? AND status = 'processing'`,
		toMillis(now), toMillis(now), eventID,
	)
	if err != nil {
		return storageFailure("mark outbox delivered", err)
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return storageFailure("mark outbox delivered", err)
	}
	if affected != 1 {
		return fmt.Errorf("mark outbox delivered %s: expected 1 processing row, got %d", eventID, affected)
	}
	return nil
}

// MarkOutboxRetry records a failed attempt on a processing row.
func (s *Store) MarkOutboxRetry(ctx context.Context, eventID string, now time.Time, lastError string, maxAttempts int) (storage.OutboxStatus, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}
	if now.IsZero() {
		now = s.now()
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return "", storageFailure("begin outbox retry tx", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempt_count FROM outbox WHERE event_id = ? AND status = 'processing'`, eventID,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("mark outbox retry %s: %w", eventID, storage.ErrNotFound)
	}
	if err != nil {
		return "", storageFailure("load outbox attempts", err)
	}

	attempts++
	status := storage.OutboxRetry
	if maxAttempts > 0 && attempts >= maxAttempts {
		status = storage.OutboxFailed
	}
	next := now.Add(OutboxRetryBackoff(attempts))
	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox
		 SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE event_id = ?`,
		string(status), attempts, toMillis(next), lastError, toMillis(now), eventID,
	); err != nil {
		return "", storageFailure("mark outbox retry", err)
	}
	if err := tx.Commit(); err != nil {
		return "", storageFailure("commit outbox retry tx", err)
	}
	return status, nil
}

const outboxColumns = `o.event_id, o.aggregate_type, o.aggregate_id, o.revision, o.position, o.event_type,
	o.status, o.attempt_count, o.next_attempt_at, o.last_error, o.updated_at, o.delivered_at`

func collectOutbox(rows *sql.Rows, capacity int) ([]storage.OutboxEntry, error) {
	defer rows.Close()
	entries := make([]storage.OutboxEntry, 0, capacity)
	for rows.Next() {
		var (
			entry       storage.OutboxEntry
			revision    int64
			position    int64
			eventType   string
			status      string
			nextAttempt int64
			updatedAt   int64
			deliveredAt sql.NullInt64
		)
		if err := rows.Scan(
			&entry.EventID,
			&entry.Stream.AggregateType,
			&entry.Stream.AggregateID,
			&revision,
			&position,
			&eventType,
			&status,
			&entry.AttemptCount,
			&nextAttempt,
			&entry.LastError,
			&updatedAt,
			&deliveredAt,
		); err != nil {
			return nil, err
		}
		entry.Revision = uint64(revision)
		entry.Position = uint64(position)
		entry.EventType = event.Type(eventType)
		entry.Status = storage.OutboxStatus(status)
		entry.NextAttemptAt = fromMillis(nextAttempt)
		entry.UpdatedAt = fromMillis(updatedAt)
		entry.DeliveredAt = fromNullMillis(deliveredAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListOutbox lists rows in position order, optionally filtered by status.
func (s *Store) ListOutbox(ctx context.Context, status storage.OutboxStatus, limit int) ([]storage.OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.OutboxEntry{}, nil
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox o ORDER BY o.position ASC LIMIT ?`, limit)
	} else {
		if _, perr := storage.ParseOutboxStatus(string(status)); perr != nil {
			return nil, perr
		}
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox o WHERE o.status = ? ORDER BY o.position ASC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, storageFailure("list outbox rows", err)
	}
	entries, err := collectOutbox(rows, limit)
	if err != nil {
		return nil, storageFailure("scan outbox rows", err)
	}
	return entries, nil
}

// RequeueFailed moves one dead-lettered row back to pending.
func (s *Store) RequeueFailed(ctx context.Context, eventID string, now time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	if now.IsZero() {
		now = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE outbox
		 SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		 WHERE event_id = ? AND status = 'failed'`,
		toMillis(now), toMillis(now), eventID,
	)
	if err != nil {
		return false, storageFailure("requeue failed outbox row", err)
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return false, storageFailure("requeue failed outbox row", err)
	}
	return affected == 1, nil
}

// RequeueFailedBatch moves up to limit dead-lettered rows back to pending,
// oldest first.
func (s *Store) RequeueFailedBatch(ctx context.Context, limit int, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, fmt.Errorf("outbox requeue limit must be greater than zero")
	}
	if now.IsZero() {
		now = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE outbox
		 SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		 WHERE event_id IN (
		     SELECT event_id FROM outbox WHERE status = 'failed' ORDER BY position ASC LIMIT ?
		 )`,
		toMillis(now), toMillis(now), limit,
	)
	if err != nil {
		return 0, storageFailure("requeue failed outbox rows", err)
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return 0, storageFailure("requeue failed outbox rows", err)
	}
	return affected, nil
}

// OutboxSummary counts rows by status.
func (s *Store) OutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := s.ready(ctx); err != nil {
		return storage.OutboxSummary{}, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return storage.OutboxSummary{}, storageFailure("query outbox summary", err)
	}
	defer rows.Close()

	summary := storage.OutboxSummary{Counts: make(map[storage.OutboxStatus]int)}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.OutboxSummary{}, storageFailure("scan outbox summary", err)
		}
		summary.Counts[storage.OutboxStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return storage.OutboxSummary{}, storageFailure("iterate outbox summary", err)
	}

	var oldest sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM outbox WHERE status IN ('pending', 'retry', 'processing')`,
	).Scan(&oldest); err != nil {
		return storage.OutboxSummary{}, storageFailure("query oldest pending outbox row", err)
	}
	summary.OldestPendingAt = fromNullMillis(oldest)
	return summary, nil
}

// PurgeDelivered deletes delivered rows whose delivery happened before before.
func (s *Store) PurgeDelivered(ctx context.Context, before time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = 'delivered' AND delivered_at < ?`, toMillis(before))
	if err != nil {
		return 0, storageFailure("purge delivered outbox rows", err)
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return 0, storageFailure("purge delivered outbox rows", err)
	}
	return affected, nil
}
