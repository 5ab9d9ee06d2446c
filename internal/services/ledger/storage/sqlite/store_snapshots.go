package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// SaveSnapshot keeps one snapshot per stream. A snapshot older than the stored
// one is ignored.
func (s *Store) SaveSnapshot(ctx context.Context, snap storage.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	stream, err := snap.Stream.Normalize()
	if err != nil {
		return err
	}
	if snap.Revision <= event.NoStream {
		return fmt.Errorf("snapshot revision must be greater than zero")
	}
	if len(snap.StateJSON) == 0 {
		return fmt.Errorf("snapshot state is required")
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_type, aggregate_id, revision, state_version, state_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(aggregate_type, aggregate_id) DO UPDATE SET
		     revision = excluded.revision,
		     state_version = excluded.state_version,
		     state_json = excluded.state_json,
		     created_at = excluded.created_at
		 WHERE excluded.revision >= snapshots.revision`,
		stream.AggregateType, stream.AggregateID, snap.Revision, snap.StateVersion, snap.StateJSON, toMillis(createdAt),
	); err != nil {
		return storageFailure("save snapshot", err)
	}
	return nil
}

// GetLatestSnapshot returns storage.ErrNotFound when the stream has none.
func (s *Store) GetLatestSnapshot(ctx context.Context, stream event.StreamID) (storage.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Snapshot{}, err
	}
	stream, err := stream.Normalize()
	if err != nil {
		return storage.Snapshot{}, err
	}
	snap := storage.Snapshot{Stream: stream}
	var createdAt int64
	err = s.sqlDB.QueryRowContext(ctx,
		`SELECT revision, state_version, state_json, created_at
		 FROM snapshots WHERE aggregate_type = ? AND aggregate_id = ?`,
		stream.AggregateType, stream.AggregateID,
	).Scan(&snap.Revision, &snap.StateVersion, &snap.StateJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, storageFailure("get snapshot", err)
	}
	snap.CreatedAt = fromMillis(createdAt)
	return snap, nil
}
