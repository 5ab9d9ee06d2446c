package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// DefaultPrefix namespaces every key the read model writes.
const DefaultPrefix = "ledger"

// Config configures the Redis read model.
type Config struct {
	URL    string `env:"LEDGER_REDIS_URL"`
	Prefix string `env:"LEDGER_REDIS_PREFIX" envDefault:"ledger"`
}

// upsertScript writes a row unless the stored revision is at or past it.
//
// KEYS[1] row hash. ARGV revision, deleted, data, updated_at (unix ms).
var upsertScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'revision')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'revision', ARGV[1], 'deleted', ARGV[2], 'data', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

// applyOnceScript marks an event applied, then upserts and moves the live
// counter only when the row was written.
//
// KEYS[1] row hash, KEYS[2] applied marker, KEYS[3] live counter.
// ARGV revision, deleted, data, updated_at, count delta.
var applyOnceScript = goredis.NewScript(`
if redis.call('SET', KEYS[2], ARGV[1], 'NX') == false then
  return 0
end
local current = redis.call('HGET', KEYS[1], 'revision')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'revision', ARGV[1], 'deleted', ARGV[2], 'data', ARGV[3], 'updated_at', ARGV[4])
local delta = tonumber(ARGV[5])
if delta ~= 0 then
  redis.call('INCRBY', KEYS[3], delta)
end
return 1
`)

// ReadModel implements projection.ExactlyOnceReadModel and projection.Counter.
type ReadModel struct {
	client goredis.UniversalClient
	prefix string
}

var (
	_ projection.ExactlyOnceReadModel = (*ReadModel)(nil)
	_ projection.Counter              = (*ReadModel)(nil)
)

// Open connects to the Redis URL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*ReadModel, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return New(client, cfg.Prefix), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, prefix string) *ReadModel {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &ReadModel{client: client, prefix: prefix}
}

// Close closes the client.
func (m *ReadModel) Close() error {
	return m.client.Close()
}

// Ping checks connectivity.
func (m *ReadModel) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *ReadModel) rowKey(key projection.Key) string {
	return m.prefix + ":row:" + key.AggregateType + ":" + key.AggregateID
}

func (m *ReadModel) appliedKey(eventID string) string {
	return m.prefix + ":applied:" + eventID
}

func (m *ReadModel) countKey(aggregateType string) string {
	return m.prefix + ":live:" + aggregateType
}

func rowArgs(row projection.Row) []any {
	deleted := "0"
	if row.Deleted {
		deleted = "1"
	}
	return []any{row.Revision, deleted, string(row.DataJSON), row.UpdatedAt.UnixMilli()}
}

// Upsert implements projection.ReadModel.
func (m *ReadModel) Upsert(ctx context.Context, row projection.Row) (bool, error) {
	written, err := upsertScript.Run(ctx, m.client, []string{m.rowKey(row.Key)}, rowArgs(row)...).Int()
	if err != nil {
		return false, fmt.Errorf("upsert row %s: %w", row.Key, err)
	}
	return written == 1, nil
}

// ApplyOnce implements projection.ExactlyOnceReadModel.
func (m *ReadModel) ApplyOnce(ctx context.Context, eventID string, change projection.Change) (bool, error) {
	keys := []string{
		m.rowKey(change.Row.Key),
		m.appliedKey(eventID),
		m.countKey(change.Row.Key.AggregateType),
	}
	args := append(rowArgs(change.Row), change.CountDelta)
	written, err := applyOnceScript.Run(ctx, m.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("apply %s to %s: %w", eventID, change.Row.Key, err)
	}
	return written == 1, nil
}

// Get implements projection.ReadModel.
func (m *ReadModel) Get(ctx context.Context, key projection.Key) (projection.Row, error) {
	values, err := m.client.HGetAll(ctx, m.rowKey(key)).Result()
	if err != nil {
		return projection.Row{}, fmt.Errorf("get row %s: %w", key, err)
	}
	if len(values) == 0 {
		return projection.Row{}, storage.ErrNotFound
	}
	revision, err := strconv.ParseInt(values["revision"], 10, 64)
	if err != nil {
		return projection.Row{}, fmt.Errorf("row %s revision: %w", key, err)
	}
	updatedAt, err := strconv.ParseInt(values["updated_at"], 10, 64)
	if err != nil {
		return projection.Row{}, fmt.Errorf("row %s updated_at: %w", key, err)
	}
	return projection.Row{
		Key:       key,
		Revision:  revision,
		Deleted:   values["deleted"] == "1",
		DataJSON:  []byte(values["data"]),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

// LiveCount implements projection.Counter.
func (m *ReadModel) LiveCount(ctx context.Context, aggregateType string) (int64, error) {
	count, err := m.client.Get(ctx, m.countKey(aggregateType)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("live count %s: %w", aggregateType, err)
	}
	return count, nil
}
