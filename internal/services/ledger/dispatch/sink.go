package dispatch

import (
	"context"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

// Sink receives outbox events. Deliveries are at least once, so sinks must
// be idempotent per event id or per stream revision.
type Sink interface {
	Deliver(ctx context.Context, evt event.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(context.Context, event.Event) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, evt event.Event) error { return f(ctx, evt) }

// MultiSink projects every event and additionally broadcasts events whose
// metadata asks for it.
type MultiSink struct {
	Projection Sink
	Broadcast  Sink
}

// Deliver implements Sink. A broadcast failure fails the delivery; the
// projection is revision guarded so the redelivery is harmless.
func (m MultiSink) Deliver(ctx context.Context, evt event.Event) error {
	if m.Projection != nil {
		if err := m.Projection.Deliver(ctx, evt); err != nil {
			return apperrors.Wrap(apperrors.CodeDeliveryFailed, "project event", err)
		}
	}
	if m.Broadcast != nil && evt.Metadata.Broadcast {
		if err := m.Broadcast.Deliver(ctx, evt); err != nil {
			return apperrors.Wrap(apperrors.CodeDeliveryFailed, "broadcast event", err)
		}
	}
	return nil
}
