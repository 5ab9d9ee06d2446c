package projection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// WildcardAggregate registers a handler for every aggregate type.
const WildcardAggregate = "*"

// ErrRevisionGap reports an event delivered before its predecessors were
// applied. The delivery is retryable: once the missing revisions land the
// same event applies cleanly.
var ErrRevisionGap = errors.New("projection revision gap")

// Handler computes the next row from the current one. found is false when no
// row exists yet.
type Handler func(current Row, found bool, evt event.Event) (Change, error)

type handlerKey struct {
	aggregateType string
	eventType     event.Type
}

// Applier routes events to handlers and persists the result.
type Applier struct {
	model ReadModel

	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

// NewApplier returns an Applier writing to model.
func NewApplier(model ReadModel) *Applier {
	return &Applier{model: model, handlers: make(map[handlerKey]Handler)}
}

// Register binds a handler to an aggregate and event type. Use
// WildcardAggregate to match any aggregate.
func (a *Applier) Register(aggregateType string, eventType event.Type, handler Handler) error {
	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return event.ErrAggregateTypeRequired
	}
	if eventType == "" {
		return event.ErrTypeRequired
	}
	if handler == nil {
		return errors.New("projection handler is required")
	}
	key := handlerKey{aggregateType: aggregateType, eventType: eventType}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.handlers[key]; exists {
		return fmt.Errorf("projection handler already registered: %s/%s", aggregateType, eventType)
	}
	a.handlers[key] = handler
	return nil
}

func (a *Applier) resolve(aggregateType string, eventType event.Type) (Handler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if h, ok := a.handlers[handlerKey{aggregateType, eventType}]; ok {
		return h, true
	}
	h, ok := a.handlers[handlerKey{WildcardAggregate, eventType}]
	return h, ok
}

// Apply projects evt. It reports false when nothing was written: no handler,
// an already-applied revision or an already-applied event id.
func (a *Applier) Apply(ctx context.Context, evt event.Event) (bool, error) {
	if a == nil || a.model == nil {
		return false, errors.New("read model is required")
	}
	handler, ok := a.resolve(evt.Stream.AggregateType, evt.Type)
	if !ok {
		return false, nil
	}

	key := KeyOf(evt.Stream)
	current, err := a.model.Get(ctx, key)
	found := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load row %s: %w", key, err)
	}
	if found && current.Revision >= int64(evt.Revision) {
		return false, nil
	}
	next := uint64(1)
	if found {
		next = uint64(current.Revision) + 1
	}
	if evt.Revision > next {
		return false, apperrors.WrapWithMetadata(apperrors.CodeDeliveryFailed,
			"event arrived ahead of its stream",
			map[string]string{
				"stream":   evt.Stream.String(),
				"expected": strconv.FormatUint(next, 10),
				"revision": strconv.FormatUint(evt.Revision, 10),
			},
			fmt.Errorf("%w: %s want %d, got %d", ErrRevisionGap, key, next, evt.Revision))
	}

	change, err := handler(current, found, evt)
	if err != nil {
		return false, fmt.Errorf("project %s@%d: %w", evt.Type, evt.Revision, err)
	}
	change.Row.Key = key
	change.Row.Revision = int64(evt.Revision)
	if change.Row.UpdatedAt.IsZero() {
		change.Row.UpdatedAt = evt.Timestamp
	}

	if once, ok := a.model.(ExactlyOnceReadModel); ok {
		return once.ApplyOnce(ctx, evt.ID, change)
	}
	return a.model.Upsert(ctx, change.Row)
}

// Deliver applies evt and discards the written flag.
func (a *Applier) Deliver(ctx context.Context, evt event.Event) error {
	_, err := a.Apply(ctx, evt)
	return err
}

// Rebuild replays events from source into the read model in position order,
// starting after afterPosition. It returns the last position seen. Starting
// mid-stream against a model that lacks the earlier revisions fails with
// ErrRevisionGap.
func (a *Applier) Rebuild(ctx context.Context, source func(ctx context.Context, afterPosition uint64, limit int) ([]event.Event, error), afterPosition uint64, pageSize int) (uint64, int, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	applied := 0
	for {
		page, err := source(ctx, afterPosition, pageSize)
		if err != nil {
			return afterPosition, applied, err
		}
		if len(page) == 0 {
			return afterPosition, applied, nil
		}
		for _, evt := range page {
			wrote, err := a.Apply(ctx, evt)
			if err != nil {
				return afterPosition, applied, err
			}
			if wrote {
				applied++
			}
			afterPosition = evt.Position
		}
	}
}
