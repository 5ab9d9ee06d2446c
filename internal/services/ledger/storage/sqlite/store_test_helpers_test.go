package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/integrity"
)

var testStream = event.StreamID{AggregateType: "customer", AggregateID: "42"}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	ring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("test-key")}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	_, events, err := record.Registries()
	if err != nil {
		t.Fatalf("registries: %v", err)
	}
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := OpenEvents(filepath.Join(t.TempDir(), "events.db"), ring, events, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open events store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store, clock
}

func openTestReadModel(t *testing.T) *ReadModel {
	t.Helper()
	model, err := OpenReadModel(filepath.Join(t.TempDir(), "projections.db"))
	if err != nil {
		t.Fatalf("open read model: %v", err)
	}
	t.Cleanup(func() { _ = model.Close() })
	return model
}

func newEvent(stream event.StreamID, id string, typ event.Type, payload string) event.Event {
	return event.Event{
		ID:          id,
		Stream:      stream,
		Type:        typ,
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		PayloadJSON: []byte(payload),
	}
}

// seedStream appends one created event and count-1 updates, one per call.
func seedStream(t *testing.T, store *Store, stream event.StreamID, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= count; i++ {
		typ := record.EventTypeUpdated
		payload := fmt.Sprintf(`{"fields":{"n":%d}}`, i)
		if i == 1 {
			typ = record.EventTypeCreated
		}
		id := fmt.Sprintf("%s-%d", stream, i)
		if _, err := store.Append(ctx, stream, int64(i-1), []event.Event{newEvent(stream, id, typ, payload)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func countRows(t *testing.T, store *Store, query string, args ...any) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}
