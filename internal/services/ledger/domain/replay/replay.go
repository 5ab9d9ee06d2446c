package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

const defaultPageSize = 200

var (
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrApplierRequired indicates a missing applier.
	ErrApplierRequired = errors.New("applier is required")
	// ErrRevisionGap indicates a stream whose revisions are not contiguous.
	ErrRevisionGap = errors.New("event revision gap")
)

// EventStore lists a stream's events for replay.
type EventStore interface {
	ListStreamEvents(ctx context.Context, stream event.StreamID, afterRevision uint64, limit int) ([]event.Event, error)
}

// Applier folds one event into state.
type Applier[S any] interface {
	Apply(state S, evt event.Event) (S, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc[S any] func(S, event.Event) (S, error)

// Apply implements Applier.
func (f ApplierFunc[S]) Apply(state S, evt event.Event) (S, error) { return f(state, evt) }

// Options configures replay behavior.
type Options struct {
	// AfterRevision is the revision already folded into the initial state.
	AfterRevision uint64
	// UntilRevision stops replay after this revision when non-zero.
	UntilRevision uint64
	PageSize      int
}

// Result captures replay outcomes.
type Result[S any] struct {
	State        S
	LastRevision uint64
	Applied      int
}

// Replay folds events after options.AfterRevision into state. Every event
// must carry the next revision; a gap aborts with ErrRevisionGap.
func Replay[S any](ctx context.Context, store EventStore, applier Applier[S], stream event.StreamID, state S, options Options) (Result[S], error) {
	if store == nil {
		return Result[S]{State: state}, ErrEventStoreRequired
	}
	if applier == nil {
		return Result[S]{State: state}, ErrApplierRequired
	}
	stream, err := stream.Normalize()
	if err != nil {
		return Result[S]{State: state}, err
	}
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	result := Result[S]{State: state, LastRevision: options.AfterRevision}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		events, err := store.ListStreamEvents(ctx, stream, result.LastRevision, pageSize)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			return result, nil
		}
		for _, evt := range events {
			if options.UntilRevision > 0 && evt.Revision > options.UntilRevision {
				return result, nil
			}
			expected := result.LastRevision + 1
			if evt.Revision != expected {
				return result, fmt.Errorf("%w in %s: expected %d got %d", ErrRevisionGap, stream, expected, evt.Revision)
			}
			next, err := applier.Apply(result.State, evt)
			if err != nil {
				return result, fmt.Errorf("apply %s@%d: %w", evt.Type, evt.Revision, err)
			}
			result.State = next
			result.LastRevision = evt.Revision
			result.Applied++
		}
		if len(events) < pageSize {
			return result, nil
		}
	}
}
