package projection

import (
	"context"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

// Key addresses one read model row. It mirrors the source stream.
type Key struct {
	AggregateType string
	AggregateID   string
}

// KeyOf returns the row key for a stream.
func KeyOf(stream event.StreamID) Key {
	return Key{AggregateType: stream.AggregateType, AggregateID: stream.AggregateID}
}

func (k Key) String() string {
	return k.AggregateType + "/" + k.AggregateID
}

// Row is a denormalized view of one aggregate.
type Row struct {
	Key       Key
	Revision  int64
	Deleted   bool
	DataJSON  []byte
	UpdatedAt time.Time
}

// Change is a handler's output: the next row and how it moves the per-type
// live record count.
type Change struct {
	Row        Row
	CountDelta int
}

// ReadModel stores projected rows.
type ReadModel interface {
	// Upsert stores row unless the stored row is already at or past
	// row.Revision. It reports whether the row was written.
	Upsert(ctx context.Context, row Row) (bool, error)
	// Get returns storage.ErrNotFound when the key has no row.
	Get(ctx context.Context, key Key) (Row, error)
}

// ExactlyOnceReadModel is implemented by read models that can record the
// applied event id in the same transaction as the row write and counters.
type ExactlyOnceReadModel interface {
	ReadModel
	// ApplyOnce reports false when eventID was already applied.
	ApplyOnce(ctx context.Context, eventID string, change Change) (bool, error)
}

// Counter is implemented by read models that keep live record counts.
type Counter interface {
	LiveCount(ctx context.Context, aggregateType string) (int64, error)
}
