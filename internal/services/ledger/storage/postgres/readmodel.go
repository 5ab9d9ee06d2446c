package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// Config configures the PostgreSQL read model.
type Config struct {
	URL      string `env:"LEDGER_POSTGRES_URL"`
	MaxConns int32  `env:"LEDGER_POSTGRES_MAX_CONNS" envDefault:"10"`
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_rows (
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	revision BIGINT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	data JSONB,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_type, aggregate_id)
);
CREATE TABLE IF NOT EXISTS ledger_applied_events (
	event_id TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS ledger_live_counts (
	aggregate_type TEXT PRIMARY KEY,
	live BIGINT NOT NULL DEFAULT 0
);
`

// upsertRow writes the row only when it advances the stored revision.
const upsertRow = `
INSERT INTO ledger_rows (aggregate_type, aggregate_id, revision, deleted, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE SET
	revision = EXCLUDED.revision,
	deleted = EXCLUDED.deleted,
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at
WHERE ledger_rows.revision < EXCLUDED.revision
`

// ReadModel implements projection.ExactlyOnceReadModel and projection.Counter.
type ReadModel struct {
	pool *pgxpool.Pool
}

var (
	_ projection.ExactlyOnceReadModel = (*ReadModel)(nil)
	_ projection.Counter              = (*ReadModel)(nil)
)

// Open connects, pings and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*ReadModel, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	model := &ReadModel{pool: pool}
	if err := model.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return model, nil
}

// EnsureSchema creates the read model tables if they are missing.
func (m *ReadModel) EnsureSchema(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create read model schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (m *ReadModel) Close() {
	if m != nil && m.pool != nil {
		m.pool.Close()
	}
}

// Ping checks connectivity.
func (m *ReadModel) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

func rowArgs(row projection.Row) []any {
	var data []byte
	if len(row.DataJSON) > 0 {
		data = row.DataJSON
	}
	return []any{
		row.Key.AggregateType,
		row.Key.AggregateID,
		row.Revision,
		row.Deleted,
		data,
		row.UpdatedAt.UTC(),
	}
}

// Upsert implements projection.ReadModel.
func (m *ReadModel) Upsert(ctx context.Context, row projection.Row) (bool, error) {
	tag, err := m.pool.Exec(ctx, upsertRow, rowArgs(row)...)
	if err != nil {
		return false, fmt.Errorf("upsert row %s: %w", row.Key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyOnce implements projection.ExactlyOnceReadModel.
func (m *ReadModel) ApplyOnce(ctx context.Context, eventID string, change projection.Change) (applied bool, err error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin apply %s: %w", eventID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `INSERT INTO ledger_applied_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`, eventID)
	if err != nil {
		return false, fmt.Errorf("mark %s applied: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	tag, err = tx.Exec(ctx, upsertRow, rowArgs(change.Row)...)
	if err != nil {
		return false, fmt.Errorf("upsert row %s: %w", change.Row.Key, err)
	}
	written := tag.RowsAffected() == 1
	if written && change.CountDelta != 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_live_counts (aggregate_type, live) VALUES ($1, $2)
			ON CONFLICT (aggregate_type) DO UPDATE SET live = ledger_live_counts.live + EXCLUDED.live
		`, change.Row.Key.AggregateType, change.CountDelta)
		if err != nil {
			return false, fmt.Errorf("adjust live count %s: %w", change.Row.Key.AggregateType, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit apply %s: %w", eventID, err)
	}
	return written, nil
}

// Get implements projection.ReadModel.
func (m *ReadModel) Get(ctx context.Context, key projection.Key) (projection.Row, error) {
	row := projection.Row{Key: key}
	var data []byte
	err := m.pool.QueryRow(ctx, `
		SELECT revision, deleted, data, updated_at
		FROM ledger_rows WHERE aggregate_type = $1 AND aggregate_id = $2
	`, key.AggregateType, key.AggregateID).Scan(&row.Revision, &row.Deleted, &data, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return projection.Row{}, storage.ErrNotFound
	}
	if err != nil {
		return projection.Row{}, fmt.Errorf("get row %s: %w", key, err)
	}
	row.DataJSON = data
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, nil
}

// LiveCount implements projection.Counter.
func (m *ReadModel) LiveCount(ctx context.Context, aggregateType string) (int64, error) {
	var live int64
	err := m.pool.QueryRow(ctx, `SELECT live FROM ledger_live_counts WHERE aggregate_type = $1`, aggregateType).Scan(&live)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("live count %s: %w", aggregateType, err)
	}
	return live, nil
}

