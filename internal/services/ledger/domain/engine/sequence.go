package engine

import (
	"context"
	"fmt"
	"strconv"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// Reconciler receives commands that broke lifecycle ordering. The events are
// never applied; an operator decides what to do with them.
type Reconciler interface {
	RecordViolation(ctx context.Context, req storage.ReconciliationRequest) (storage.ReconciliationRequest, error)
}

// CheckSequence rejects create-lifecycle events on a stream that already has
// events and mutate-lifecycle events on a stream that has none. revision is
// the stream revision the batch would be appended after.
func CheckSequence(registry *event.Registry, revision int64, events []event.Event) error {
	for i, evt := range events {
		lifecycle := event.LifecycleMutate
		if def, ok := registry.Definition(evt.Stream.AggregateType, evt.Type); ok {
			lifecycle = def.Lifecycle
		}
		empty := revision == event.NoStream && i == 0
		switch {
		case lifecycle == event.LifecycleCreate && !empty:
			return sequenceViolation(evt, revision, "stream already exists")
		case lifecycle != event.LifecycleCreate && empty:
			return sequenceViolation(evt, revision, "stream does not exist")
		}
	}
	return nil
}

func sequenceViolation(evt event.Event, revision int64, reason string) error {
	return apperrors.WithMetadata(apperrors.CodeSequenceViolation,
		fmt.Sprintf("%s on %s: %s", evt.Type, evt.Stream, reason),
		map[string]string{
			"stream":     evt.Stream.String(),
			"event_type": string(evt.Type),
			"revision":   strconv.FormatInt(revision, 10),
			"reason":     reason,
		})
}
