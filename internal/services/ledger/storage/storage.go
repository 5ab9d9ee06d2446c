package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConcurrencyConflict indicates the stream moved past the expected revision.
// Nothing was written.
var ErrConcurrencyConflict = apperrors.New(apperrors.CodeConcurrencyConflict, "stream revision conflict")

// ConflictError reports the revisions involved in a failed append.
type ConflictError struct {
	Stream   event.StreamID
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stream %s: expected revision %d, actual %d", e.Stream, e.Expected, e.Actual)
}

// Is matches ErrConcurrencyConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict || errors.Is(ErrConcurrencyConflict, target)
}

// AppendResult is the outcome of a successful append.
type AppendResult struct {
	// Revision is the stream revision after the append.
	Revision int64
	// Events are the stored events with revision, position and integrity
	// fields assigned.
	Events []event.Event
	// Duplicate is set when every event id was already stored and nothing new
	// was written.
	Duplicate bool
}

// EventStore is the append-only journal.
type EventStore interface {
	// Append writes events to the end of stream when its revision equals
	// expected (event.AnyRevision skips the check). Events and their outbox
	// rows commit together or not at all.
	Append(ctx context.Context, stream event.StreamID, expected int64, events []event.Event) (AppendResult, error)
	// ReadStream yields events with from <= revision <= to in revision order.
	// A zero to reads up to the revision current at call time.
	ReadStream(ctx context.Context, stream event.StreamID, from, to uint64) iter.Seq2[event.Event, error]
	// ListStreamEvents returns up to limit events with revision > afterRevision.
	ListStreamEvents(ctx context.Context, stream event.StreamID, afterRevision uint64, limit int) ([]event.Event, error)
	// ReadAll returns up to limit events with global position > afterPosition.
	ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]event.Event, error)
	// StreamRevision returns the revision of the last event, or event.NoStream.
	StreamRevision(ctx context.Context, stream event.StreamID) (int64, error)
}

// Snapshot is a serialized aggregate state at a stream revision.
type Snapshot struct {
	Stream       event.StreamID
	Revision     int64
	StateVersion int
	StateJSON    []byte
	CreatedAt    time.Time
}

// SnapshotStore persists advisory snapshots.
type SnapshotStore interface {
	// SaveSnapshot stores snap and discards older snapshots of the stream.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// GetLatestSnapshot returns ErrNotFound when the stream has none.
	GetLatestSnapshot(ctx context.Context, stream event.StreamID) (Snapshot, error)
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxRetry      OutboxStatus = "retry"
	OutboxDelivered  OutboxStatus = "delivered"
	// OutboxFailed is the dead-letter state. A failed row blocks later rows
	// of its stream until it is requeued.
	OutboxFailed OutboxStatus = "failed"
)

// ParseOutboxStatus validates a status string.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	switch status := OutboxStatus(value); status {
	case OutboxPending, OutboxProcessing, OutboxRetry, OutboxDelivered, OutboxFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown outbox status %q", value)
	}
}

// OutboxEntry tracks delivery of one event.
type OutboxEntry struct {
	EventID       string
	Stream        event.StreamID
	Revision      uint64
	Position      uint64
	EventType     event.Type
	Status        OutboxStatus
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	UpdatedAt     time.Time
	DeliveredAt   *time.Time

	// Event is populated by ClaimOutbox.
	Event event.Event
}

// OutboxSummary aggregates outbox rows by status.
type OutboxSummary struct {
	Counts map[OutboxStatus]int
	// OldestPendingAt is the next attempt time of the oldest undelivered row.
	OldestPendingAt *time.Time
}

// OutboxStore is the dispatcher's view of the transactional outbox.
type OutboxStore interface {
	// ClaimOutbox leases up to limit due rows, at most one per stream and
	// only when every earlier row of that stream is delivered. Processing
	// rows whose lease expired are reclaimed.
	ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]OutboxEntry, error)
	MarkOutboxDelivered(ctx context.Context, eventID string, now time.Time) error
	// MarkOutboxRetry records a failed attempt and schedules the next one, or
	// dead-letters the row once attempts reach maxAttempts.
	MarkOutboxRetry(ctx context.Context, eventID string, now time.Time, lastError string, maxAttempts int) (OutboxStatus, error)
	ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]OutboxEntry, error)
	RequeueFailed(ctx context.Context, eventID string, now time.Time) (bool, error)
	RequeueFailedBatch(ctx context.Context, limit int, now time.Time) (int, error)
	OutboxSummary(ctx context.Context) (OutboxSummary, error)
	PurgeDelivered(ctx context.Context, before time.Time) (int, error)
}

// ReconciliationStatus is the state of a reconciliation request.
type ReconciliationStatus string

const (
	ReconciliationOpen     ReconciliationStatus = "open"
	ReconciliationResolved ReconciliationStatus = "resolved"
)

// ReconciliationRequest records a command that broke lifecycle ordering.
type ReconciliationRequest struct {
	ID          int64
	Stream      event.StreamID
	CommandID   string
	CommandType string
	EventType   event.Type
	Revision    int64
	Reason      string
	Source      string
	Status      ReconciliationStatus
	Note        string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// ReconciliationStore queues sequence violations for operators.
type ReconciliationStore interface {
	RecordViolation(ctx context.Context, req ReconciliationRequest) (ReconciliationRequest, error)
	ListReconciliation(ctx context.Context, status ReconciliationStatus, limit int) ([]ReconciliationRequest, error)
	ResolveReconciliation(ctx context.Context, id int64, note string, now time.Time) error
}
