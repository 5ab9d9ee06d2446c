package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

var key = projection.Key{AggregateType: "customer", AggregateID: "42"}

func setupReadModel(t *testing.T) (*ReadModel, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	model := New(client, "test")
	t.Cleanup(func() { _ = model.Close() })
	return model, mr
}

func TestUpsertRevisionGuard(t *testing.T) {
	model, mr := setupReadModel(t)
	ctx := context.Background()
	updated := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	written, err := model.Upsert(ctx, projection.Row{Key: key, Revision: 2, DataJSON: []byte(`{"v":2}`), UpdatedAt: updated})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = model.Upsert(ctx, projection.Row{Key: key, Revision: 1, DataJSON: []byte(`{"v":1}`)})
	require.NoError(t, err)
	assert.False(t, written, "older revision must be ignored")

	written, err = model.Upsert(ctx, projection.Row{Key: key, Revision: 2, DataJSON: []byte(`{"v":"again"}`)})
	require.NoError(t, err)
	assert.False(t, written, "same revision must be ignored")

	row, err := model.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Revision)
	assert.JSONEq(t, `{"v":2}`, string(row.DataJSON))
	assert.True(t, row.UpdatedAt.Equal(updated))
	assert.True(t, mr.Exists("test:row:customer:42"))
}

func TestGetMissingRow(t *testing.T) {
	model, _ := setupReadModel(t)
	_, err := model.Get(context.Background(), key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplierExactlyOnceCounters(t *testing.T) {
	model, _ := setupReadModel(t)
	ctx := context.Background()
	applier := projection.NewApplier(model)
	require.NoError(t, projection.RegisterRecordHandlers(applier))

	stream := event.StreamID{AggregateType: "customer", AggregateID: "42"}
	other := event.StreamID{AggregateType: "customer", AggregateID: "43"}
	events := []event.Event{
		{ID: "a1", Stream: stream, Type: record.EventTypeCreated, Revision: 1, PayloadJSON: []byte(`{"fields":{"name":"Ada"}}`)},
		{ID: "b1", Stream: other, Type: record.EventTypeCreated, Revision: 1, PayloadJSON: []byte(`{"fields":{"name":"Grace"}}`)},
		{ID: "a2", Stream: stream, Type: record.EventTypeDeleted, Revision: 2, PayloadJSON: []byte(`{}`)},
	}
	for round := 0; round < 2; round++ {
		for _, evt := range events {
			_, err := applier.Apply(ctx, evt)
			require.NoError(t, err)
		}
	}
	count, err := model.LiveCount(ctx, "customer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	row, err := model.Get(ctx, projection.KeyOf(stream))
	require.NoError(t, err)
	assert.True(t, row.Deleted)
	assert.Equal(t, int64(2), row.Revision)
}

func TestApplyOnceSkipsReplayedEventID(t *testing.T) {
	model, _ := setupReadModel(t)
	ctx := context.Background()
	change := projection.Change{Row: projection.Row{Key: key, Revision: 1, DataJSON: []byte(`{}`)}, CountDelta: 1}

	written, err := model.ApplyOnce(ctx, "evt-1", change)
	require.NoError(t, err)
	assert.True(t, written)

	change.Row.Revision = 5
	written, err = model.ApplyOnce(ctx, "evt-1", change)
	require.NoError(t, err)
	assert.False(t, written)

	count, err := model.LiveCount(ctx, "customer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "://nope"})
	assert.Error(t, err)
}

func TestOpenPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	model, err := Open(context.Background(), Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer model.Close()
	assert.NoError(t, model.Ping(context.Background()))
}
