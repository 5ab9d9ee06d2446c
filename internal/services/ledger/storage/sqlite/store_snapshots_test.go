package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

func TestSnapshotSaveSupersedesOlder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetLatestSnapshot(ctx, testStream); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, rev := range []int64{500, 1000} {
		if err := store.SaveSnapshot(ctx, storage.Snapshot{Stream: testStream, Revision: rev, StateVersion: 1, StateJSON: []byte(`{"r":1}`)}); err != nil {
			t.Fatalf("save %d: %v", rev, err)
		}
	}
	if err := store.SaveSnapshot(ctx, storage.Snapshot{Stream: testStream, Revision: 700, StateVersion: 1, StateJSON: []byte(`{"r":0}`)}); err != nil {
		t.Fatalf("save stale: %v", err)
	}

	snap, err := store.GetLatestSnapshot(ctx, testStream)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Revision != 1000 || string(snap.StateJSON) != `{"r":1}` {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if n := countRows(t, store, "SELECT COUNT(*) FROM snapshots"); n != 1 {
		t.Fatalf("expected superseded snapshots pruned, got %d rows", n)
	}
}

func TestSnapshotValidation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.SaveSnapshot(ctx, storage.Snapshot{Stream: testStream, Revision: 0, StateJSON: []byte(`{}`)}); err == nil {
		t.Fatal("expected revision error")
	}
	if err := store.SaveSnapshot(ctx, storage.Snapshot{Stream: testStream, Revision: 1}); err == nil {
		t.Fatal("expected state error")
	}
}
