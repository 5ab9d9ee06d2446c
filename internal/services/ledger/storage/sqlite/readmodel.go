package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/sqlite/migrations"
)

var (
	_ projection.ExactlyOnceReadModel = (*ReadModel)(nil)
	_ projection.Counter              = (*ReadModel)(nil)
)

// ReadModel is the SQLite projection store.
type ReadModel struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// OpenReadModel opens the projection database at path and applies migrations.
func OpenReadModel(path string) (*ReadModel, error) {
	sqlDB, err := openDB(path, migrations.ProjectionsFS, "projections")
	if err != nil {
		return nil, err
	}
	return &ReadModel{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the underlying database. It is nil-safe.
func (m *ReadModel) Close() error {
	if m == nil || m.sqlDB == nil {
		return nil
	}
	return m.sqlDB.Close()
}

func (m *ReadModel) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.sqlDB == nil {
		return fmt.Errorf("read model is not configured")
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRow(ctx context.Context, db execer, row projection.Row) (bool, error) {
	deleted := 0
	if row.Deleted {
		deleted = 1
	}
	result, err := db.ExecContext(ctx,
		`INSERT INTO readmodel_rows (aggregate_type, aggregate_id, revision, deleted, data_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(aggregate_type, aggregate_id) DO UPDATE SET
		     revision = excluded.revision,
		     deleted = excluded.deleted,
		     data_json = excluded.data_json,
		     updated_at = excluded.updated_at
		 WHERE excluded.revision > readmodel_rows.revision`,
		row.Key.AggregateType, row.Key.AggregateID, row.Revision, deleted, row.DataJSON, toMillis(row.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Upsert implements projection.ReadModel.
func (m *ReadModel) Upsert(ctx context.Context, row projection.Row) (bool, error) {
	if err := m.ready(ctx); err != nil {
		return false, err
	}
	wrote, err := upsertRow(ctx, m.sqlDB, row)
	if err != nil {
		return false, storageFailure("upsert read model row", err)
	}
	return wrote, nil
}

// Get implements projection.ReadModel.
func (m *ReadModel) Get(ctx context.Context, key projection.Key) (projection.Row, error) {
	if err := m.ready(ctx); err != nil {
		return projection.Row{}, err
	}
	row := projection.Row{Key: key}
	var (
		deleted   int
		updatedAt int64
	)
	err := m.sqlDB.QueryRowContext(ctx,
		`SELECT revision, deleted, data_json, updated_at FROM readmodel_rows
		 WHERE aggregate_type = ? AND aggregate_id = ?`,
		key.AggregateType, key.AggregateID,
	).Scan(&row.Revision, &deleted, &row.DataJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return projection.Row{}, storage.ErrNotFound
	}
	if err != nil {
		return projection.Row{}, storageFailure("get read model row", err)
	}
	row.Deleted = deleted == 1
	row.UpdatedAt = fromMillis(updatedAt)
	return row, nil
}

// LiveCount returns the number of existing, undeleted rows of a type.
func (m *ReadModel) LiveCount(ctx context.Context, aggregateType string) (int64, error) {
	if err := m.ready(ctx); err != nil {
		return 0, err
	}
	var count int64
	err := m.sqlDB.QueryRowContext(ctx,
		`SELECT live_count FROM readmodel_counters WHERE aggregate_type = ?`, aggregateType,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageFailure("get live count", err)
	}
	return count, nil
}

// ApplyOnce writes change and bumps counters in one transaction guarded by a
// per-event checkpoint. A second call with the same eventID is a no-op.
func (m *ReadModel) ApplyOnce(ctx context.Context, eventID string, change projection.Change) (bool, error) {
	if err := m.ready(ctx); err != nil {
		return false, err
	}
	if strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("event id is required")
	}

	const (
		maxBusyRetries = 8
		retryBaseDelay = 10 * time.Millisecond
	)
	waitForRetry := func(attempt int) error {
		timer := time.NewTimer(time.Duration(attempt+1) * retryBaseDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	var lastBusyErr error
	for attempt := 0; ; attempt++ {
		applied, err := m.applyOnceTx(ctx, eventID, change)
		if err == nil {
			return applied, nil
		}
		if !isBusyError(err) {
			return false, err
		}
		lastBusyErr = err
		if attempt >= maxBusyRetries {
			return false, fmt.Errorf("projection checkpoint %s remained busy: %w", eventID, lastBusyErr)
		}
		if waitErr := waitForRetry(attempt); waitErr != nil {
			return false, waitErr
		}
	}
}

func (m *ReadModel) applyOnceTx(ctx context.Context, eventID string, change projection.Change) (bool, error) {
	tx, err := m.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := m.now()
	row := change.Row
	reserved, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO projection_apply_checkpoints (event_id, aggregate_type, aggregate_id, revision, applied_at)
		 VALUES (?, ?, ?, ?, ?)`,
		eventID, row.Key.AggregateType, row.Key.AggregateID, row.Revision, toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("reserve projection checkpoint %s: %w", eventID, err)
	}
	if n, err := rowsAffected(reserved); err != nil || n == 0 {
		return false, err
	}

	wrote, err := upsertRow(ctx, tx, row)
	if err != nil {
		return false, fmt.Errorf("upsert read model row %s: %w", row.Key, err)
	}
	if wrote && change.CountDelta != 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO readmodel_counters (aggregate_type, live_count, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(aggregate_type) DO UPDATE SET
			     live_count = readmodel_counters.live_count + excluded.live_count,
			     updated_at = excluded.updated_at`,
			row.Key.AggregateType, change.CountDelta, toMillis(now),
		); err != nil {
			return false, fmt.Errorf("update live count %s: %w", row.Key.AggregateType, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return wrote, nil
}
