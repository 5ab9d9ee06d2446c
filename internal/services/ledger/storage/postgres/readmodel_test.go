package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

func openTestModel(t *testing.T) *ReadModel {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LEDGER_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	model, err := Open(ctx, Config{URL: dsn, MaxConns: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(model.Close)
	return model
}

func uniqueKey() projection.Key {
	return projection.Key{AggregateType: "pgtest-" + uuid.NewString(), AggregateID: "1"}
}

func TestUpsertRevisionGuard(t *testing.T) {
	model := openTestModel(t)
	ctx := context.Background()
	key := uniqueKey()
	now := time.Now().UTC().Truncate(time.Millisecond)

	written, err := model.Upsert(ctx, projection.Row{Key: key, Revision: 3, DataJSON: []byte(`{"v":3}`), UpdatedAt: now})
	if err != nil || !written {
		t.Fatalf("upsert = %v, %v", written, err)
	}
	written, err = model.Upsert(ctx, projection.Row{Key: key, Revision: 2, DataJSON: []byte(`{"v":2}`), UpdatedAt: now})
	if err != nil || written {
		t.Fatalf("stale upsert = %v, %v", written, err)
	}
	row, err := model.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Revision != 3 || !row.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestApplyOnceCountsLiveRows(t *testing.T) {
	model := openTestModel(t)
	ctx := context.Background()
	key := uniqueKey()
	eventID := uuid.NewString()
	change := projection.Change{Row: projection.Row{Key: key, Revision: 1, DataJSON: []byte(`{}`), UpdatedAt: time.Now()}, CountDelta: 1}

	for i := 0; i < 2; i++ {
		written, err := model.ApplyOnce(ctx, eventID, change)
		if err != nil {
			t.Fatalf("apply once: %v", err)
		}
		if written != (i == 0) {
			t.Fatalf("attempt %d written = %v", i, written)
		}
	}
	live, err := model.LiveCount(ctx, key.AggregateType)
	if err != nil {
		t.Fatalf("live count: %v", err)
	}
	if live != 1 {
		t.Fatalf("live = %d, want 1", live)
	}
}

func TestGetMissingRow(t *testing.T) {
	model := openTestModel(t)
	if _, err := model.Get(context.Background(), uniqueKey()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

