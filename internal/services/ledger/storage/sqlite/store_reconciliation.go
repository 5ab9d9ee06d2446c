package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// RecordViolation queues a sequence violation. Repeats of the same command on
// the same stream return the existing request.
func (s *Store) RecordViolation(ctx context.Context, req storage.ReconciliationRequest) (storage.ReconciliationRequest, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ReconciliationRequest{}, err
	}
	stream, err := req.Stream.Normalize()
	if err != nil {
		return storage.ReconciliationRequest{}, err
	}
	req.Stream = stream
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO reconciliation_requests (
		    aggregate_type, aggregate_id, command_id, command_type, event_type, revision,
		    reason, source, status, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)
		 ON CONFLICT(aggregate_type, aggregate_id, command_id) DO NOTHING`,
		stream.AggregateType, stream.AggregateID, req.CommandID, req.CommandType, string(req.EventType),
		req.Revision, req.Reason, req.Source, toMillis(req.CreatedAt),
	); err != nil {
		return storage.ReconciliationRequest{}, storageFailure("record reconciliation request", err)
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliation_requests
		 WHERE aggregate_type = ? AND aggregate_id = ? AND command_id = ?`,
		stream.AggregateType, stream.AggregateID, req.CommandID,
	)
	stored, err := scanReconciliation(row)
	if err != nil {
		return storage.ReconciliationRequest{}, storageFailure("load reconciliation request", err)
	}
	return stored, nil
}

// ListReconciliation lists requests in creation order. An empty status lists
// every request.
func (s *Store) ListReconciliation(ctx context.Context, status storage.ReconciliationStatus, limit int) ([]storage.ReconciliationRequest, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.ReconciliationRequest{}, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliation_requests
		 WHERE (? = '' OR status = ?)
		 ORDER BY id ASC LIMIT ?`,
		string(status), string(status), limit,
	)
	if err != nil {
		return nil, storageFailure("list reconciliation requests", err)
	}
	defer rows.Close()
	var out []storage.ReconciliationRequest
	for rows.Next() {
		req, err := scanReconciliation(rows)
		if err != nil {
			return nil, storageFailure("scan reconciliation request", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure("iterate reconciliation requests", err)
	}
	return out, nil
}

// ResolveReconciliation closes an open request with an operator note.
func (s *Store) ResolveReconciliation(ctx context.Context, id int64, note string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if now.IsZero() {
		now = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE reconciliation_requests SET status = 'resolved', note = ?, resolved_at = ?
		 WHERE id = ? AND status = 'open'`,
		note, toMillis(now), id,
	)
	if err != nil {
		return storageFailure("resolve reconciliation request", err)
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return storageFailure("resolve reconciliation request", err)
	}
	if affected == 0 {
		return fmt.Errorf("open reconciliation request %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

const reconciliationColumns = `id, aggregate_type, aggregate_id, command_id, command_type, event_type, revision,
	reason, source, status, note, created_at, resolved_at`

func scanReconciliation(row scanner) (storage.ReconciliationRequest, error) {
	var (
		req        storage.ReconciliationRequest
		eventType  string
		status     string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(
		&req.ID,
		&req.Stream.AggregateType,
		&req.Stream.AggregateID,
		&req.CommandID,
		&req.CommandType,
		&eventType,
		&req.Revision,
		&req.Reason,
		&req.Source,
		&status,
		&req.Note,
		&createdAt,
		&resolvedAt,
	); err != nil {
		return storage.ReconciliationRequest{}, err
	}
	req.EventType = event.Type(eventType)
	req.Status = storage.ReconciliationStatus(status)
	req.CreatedAt = fromMillis(createdAt)
	req.ResolvedAt = fromNullMillis(resolvedAt)
	return req, nil
}
