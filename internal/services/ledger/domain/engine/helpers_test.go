package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/integrity"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/sqlite"
)

var customer = event.StreamID{AggregateType: "customer", AggregateID: "42"}

type testEnv struct {
	store    *sqlite.Store
	commands *command.Registry
	events   *event.Registry
	waker    *countingWaker
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	commands, events, err := record.Registries()
	if err != nil {
		t.Fatalf("registries: %v", err)
	}
	ring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("engine-test")}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	store, err := sqlite.OpenEvents(filepath.Join(t.TempDir(), "events.db"), ring, events)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return testEnv{store: store, commands: commands, events: events, waker: &countingWaker{}}
}

// handler returns a Handler appending through store, or env.store when nil.
func (env testEnv) handler(store EventStore) Handler {
	if store == nil {
		store = env.store
	}
	return Handler{
		Commands:      env.commands,
		Events:        env.events,
		Store:         store,
		Reconstructor: Reconstructor{Events: env.store},
		Decider:       record.Decider{},
		Reconciler:    env.store,
		Dispatcher:    env.waker,
		RetryInterval: time.Millisecond,
	}
}

type countingWaker struct {
	mu    sync.Mutex
	wakes int
}

func (w *countingWaker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes++
}

func (w *countingWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wakes
}

func createCmd(id string, stream event.StreamID, fields string) command.Command {
	return command.Command{
		ID:          id,
		Type:        record.CommandTypeCreate,
		Stream:      stream,
		PayloadJSON: []byte(fmt.Sprintf(`{"fields":%s}`, fields)),
	}
}

func updateCmd(id string, stream event.StreamID, fields string) command.Command {
	return command.Command{
		ID:          id,
		Type:        record.CommandTypeUpdate,
		Stream:      stream,
		PayloadJSON: []byte(fmt.Sprintf(`{"fields":%s}`, fields)),
	}
}

func deleteCmd(id string, stream event.StreamID) command.Command {
	return command.Command{ID: id, Type: record.CommandTypeDelete, Stream: stream}
}

func mustHandle(t *testing.T, h Handler, cmd command.Command) Result {
	t.Helper()
	result, err := h.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle %s: %v", cmd.ID, err)
	}
	return result
}

// racingStore lets a competing writer append just before the handler does.
type racingStore struct {
	*sqlite.Store
	races int
}

func (r *racingStore) Append(ctx context.Context, stream event.StreamID, expected int64, events []event.Event) (storage.AppendResult, error) {
	if r.races > 0 {
		r.races--
		competing := event.Event{
			ID:          fmt.Sprintf("competing-%d", r.races),
			Stream:      stream,
			Type:        record.EventTypeUpdated,
			PayloadJSON: []byte(`{"fields":{"competing":true}}`),
		}
		if _, err := r.Store.Append(ctx, stream, event.AnyRevision, []event.Event{competing}); err != nil {
			return storage.AppendResult{}, err
		}
	}
	return r.Store.Append(ctx, stream, expected, events)
}

type conflictingStore struct {
	*sqlite.Store
	calls int
}

func (c *conflictingStore) Append(_ context.Context, stream event.StreamID, expected int64, _ []event.Event) (storage.AppendResult, error) {
	c.calls++
	return storage.AppendResult{}, &storage.ConflictError{Stream: stream, Expected: expected, Actual: expected + 1}
}

type stallingStore struct {
	*sqlite.Store
}

func (stallingStore) Append(ctx context.Context, _ event.StreamID, _ int64, _ []event.Event) (storage.AppendResult, error) {
	<-ctx.Done()
	return storage.AppendResult{}, fmt.Errorf("commit append tx: %w", ctx.Err())
}
