package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/platform/otel"
	"github.com/louisbranch/ledger/internal/platform/timeouts"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/snapshot"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

const tracerName = "github.com/louisbranch/ledger/engine"

// DefaultMaxAttempts bounds conflict retries per command.
const DefaultMaxAttempts = 5

var (
	// ErrCommandRegistryRequired indicates a missing command registry.
	ErrCommandRegistryRequired = errors.New("command registry is required")
	// ErrEventRegistryRequired indicates a missing event registry.
	ErrEventRegistryRequired = errors.New("event registry is required")
	// ErrStoreRequired indicates a missing event store.
	ErrStoreRequired = errors.New("event store is required")
	// ErrDeciderRequired indicates a missing decider.
	ErrDeciderRequired = errors.New("decider is required")
)

// Stage names a step of command handling.
type Stage string

const (
	StageReceived             Stage = "received"
	StageValidated            Stage = "validated"
	StageAggregateLoaded      Stage = "aggregate_loaded"
	StageBusinessLogicApplied Stage = "business_logic_applied"
	StageEventsAppended       Stage = "events_appended"
	StageDispatched           Stage = "dispatched"
	StageAcknowledged         Stage = "acknowledged"
	StageFailed               Stage = "failed"
)

// EventStore is the part of the journal the handler writes through.
type EventStore interface {
	Append(ctx context.Context, stream event.StreamID, expected int64, events []event.Event) (storage.AppendResult, error)
}

// CommittedEvents finds events a command already appended. Stores that
// implement it let a resubmitted create be acknowledged instead of tripping
// the ordering guard.
type CommittedEvents interface {
	GetEvent(ctx context.Context, eventID string) (event.Event, error)
}

// Decider returns a decision for a command against the current state.
type Decider interface {
	Decide(state record.State, cmd command.Command) command.Decision
}

// SnapshotOfferer accepts snapshots for asynchronous persistence.
type SnapshotOfferer interface {
	Offer(snap storage.Snapshot) bool
}

// Waker is notified after events commit so delivery starts promptly.
type Waker interface {
	Wake()
}

// Result reports how far a command got.
type Result struct {
	Stage Stage
	// Trail lists every stage the final attempt passed through.
	Trail    []Stage
	Events   []event.Event
	Revision int64
	Attempts int
	// Duplicate is set when the command had already committed and nothing
	// new was written.
	Duplicate bool
	State     record.State
}

func (r *Result) advance(stage Stage) {
	r.Stage = stage
	r.Trail = append(r.Trail, stage)
}

// Handler executes commands as a unit of work.
type Handler struct {
	Commands      *command.Registry
	Events        *event.Registry
	Store         EventStore
	Reconstructor Reconstructor
	Decider       Decider
	Reconciler    Reconciler
	// SnapshotWriter receives snapshots when Policy says so.
	SnapshotWriter SnapshotOfferer
	Policy         snapshot.Policy
	Dispatcher     Waker

	MaxAttempts   int
	RetryInterval time.Duration
	LoadTimeout   time.Duration
	AppendTimeout time.Duration
	Now           func() time.Time
	Logf          func(string, ...any)
}

// attemptError marks attempt errors that reloading cannot fix.
type attemptError struct {
	err       error
	permanent bool
}

// Handle runs cmd to completion. Conflicts are retried with a fresh load up
// to MaxAttempts; rejections, validation failures and sequence violations are
// returned immediately.
func (h Handler) Handle(ctx context.Context, cmd command.Command) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ledger.command.handle",
		trace.WithAttributes(
			attribute.String("ledger.command.id", cmd.ID),
			attribute.String("ledger.command.type", string(cmd.Type)),
			attribute.String("ledger.stream", cmd.Stream.String()),
		),
	)
	defer span.End()

	result, err := h.handle(ctx, cmd)
	span.SetAttributes(
		attribute.String("ledger.stage", string(result.Stage)),
		attribute.Int("ledger.attempts", result.Attempts),
		attribute.Int64("ledger.revision", result.Revision),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
	}
	return result, err
}

func (h Handler) handle(ctx context.Context, cmd command.Command) (Result, error) {
	var result Result
	result.advance(StageReceived)
	if err := h.check(); err != nil {
		result.advance(StageFailed)
		return result, err
	}
	validated, err := h.Commands.Validate(cmd)
	if err != nil {
		result.advance(StageFailed)
		return result, apperrors.Wrap(apperrors.CodeValidation, "invalid command", err)
	}
	cmd = validated
	result.advance(StageValidated)

	attempts := 0
	operation := func() (Result, error) {
		attempts++
		out, err := h.attempt(ctx, cmd, result.Trail)
		out.Attempts = attempts
		if err == nil {
			return out, nil
		}
		var attemptErr *attemptError
		if errors.As(err, &attemptErr) && attemptErr.permanent {
			return out, backoff.Permanent(attemptErr.err)
		}
		h.logf("command %s attempt %d: %v", cmd.ID, attempts, err)
		return out, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.retryInterval()
	policy.MaxInterval = 20 * h.retryInterval()
	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(h.maxAttempts())),
	)
	out.Attempts = attempts
	if err == nil {
		return out, nil
	}
	if out.Trail == nil {
		out.Trail = result.Trail
	}
	out.advance(StageFailed)
	if errors.Is(err, storage.ErrConcurrencyConflict) && apperrors.CodeOf(err) == apperrors.CodeUnknown {
		err = apperrors.WrapWithMetadata(apperrors.CodeConcurrencyConflict,
			fmt.Sprintf("concurrency conflict after %d attempts", attempts),
			map[string]string{"stream": cmd.Stream.String(), "command_id": cmd.ID},
			err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && apperrors.CodeOf(err) == apperrors.CodeUnknown {
		err = ctxErr
	}
	return out, err
}

// attempt runs stages 2 through 4 once. Conflicts come back bare so the
// caller retries them; everything else is wrapped as permanent.
func (h Handler) attempt(ctx context.Context, cmd command.Command, trail []Stage) (Result, error) {
	result := Result{Stage: StageValidated, Trail: append([]Stage(nil), trail...)}

	loadCtx, cancel := context.WithTimeout(ctx, h.loadTimeout())
	committed, err := h.committed(loadCtx, cmd)
	if err == nil && len(committed) > 0 {
		cancel()
		last := committed[len(committed)-1]
		result.advance(StageAcknowledged)
		result.Events = committed
		result.Revision = int64(last.Revision)
		result.Duplicate = true
		return result, nil
	}
	var state record.State
	if err == nil {
		state, err = h.Reconstructor.Load(loadCtx, cmd.Stream)
	}
	cancel()
	if err != nil {
		return result, permanent(h.loadFailure(ctx, err))
	}
	result.advance(StageAggregateLoaded)
	result.State = state
	result.Revision = state.Revision

	if expected := cmd.Expected(); expected != event.AnyRevision && expected != state.Revision {
		return result, permanent(apperrors.WrapWithMetadata(apperrors.CodeConcurrencyConflict,
			"expected revision does not match stream",
			map[string]string{"stream": cmd.Stream.String(), "expected": strconv.FormatInt(expected, 10)},
			&storage.ConflictError{Stream: cmd.Stream, Expected: expected, Actual: state.Revision}))
	}

	decision := h.Decider.Decide(state, cmd)
	if decision.Rejected() {
		rejection := decision.Rejections[0]
		return result, permanent(apperrors.WithMetadata(apperrors.CodeCommandRejected, rejection.Message,
			map[string]string{"rejection_code": rejection.Code, "stream": cmd.Stream.String()}))
	}
	events, err := h.prepareEvents(cmd, decision.Events)
	if err != nil {
		return result, permanent(apperrors.Wrap(apperrors.CodeValidation, "invalid decision events", err))
	}
	if err := CheckSequence(h.Events, state.Revision, events); err != nil {
		h.reconcile(ctx, cmd, state.Revision, events, err)
		return result, permanent(err)
	}
	result.advance(StageBusinessLogicApplied)
	if len(events) == 0 {
		result.advance(StageAcknowledged)
		return result, nil
	}

	appendCtx, cancel := context.WithTimeout(ctx, h.appendTimeout())
	appended, err := h.Store.Append(appendCtx, cmd.Stream, state.Revision, events)
	deadline := appendCtx.Err()
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			return result, err
		}
		if deadline != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return result, permanent(apperrors.WrapWithMetadata(apperrors.CodeOutcomeUnknown,
				"append outcome unknown, retry with the same command id",
				map[string]string{"command_id": cmd.ID, "stream": cmd.Stream.String()},
				err))
		}
		if apperrors.CodeOf(err) == apperrors.CodeUnknown {
			err = apperrors.Wrap(apperrors.CodeStorageFailure, "append events", err)
		}
		return result, permanent(err)
	}
	result.advance(StageEventsAppended)
	result.Events = appended.Events
	result.Revision = appended.Revision
	result.Duplicate = appended.Duplicate

	if !appended.Duplicate {
		next := state
		for _, evt := range appended.Events {
			if next, err = record.Apply(next, evt); err != nil {
				h.logf("fold appended %s@%d: %v", evt.Stream, evt.Revision, err)
				next = record.State{}
				break
			}
		}
		result.State = next
		if next.Revision == appended.Revision {
			h.offerSnapshot(state.Revision, next)
		}
	}

	if h.Dispatcher != nil {
		h.Dispatcher.Wake()
	}
	result.advance(StageDispatched)
	result.advance(StageAcknowledged)
	return result, nil
}

// Snapshot reconstructs stream and saves its state synchronously.
func (h Handler) Snapshot(ctx context.Context, stream event.StreamID) (storage.Snapshot, error) {
	if h.Reconstructor.Snapshots == nil {
		return storage.Snapshot{}, errors.New("snapshot store is required")
	}
	state, err := h.Reconstructor.Load(ctx, stream)
	if err != nil {
		return storage.Snapshot{}, err
	}
	if state.Revision == event.NoStream {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	snap, err := encodeSnapshot(state, h.now())
	if err != nil {
		return storage.Snapshot{}, err
	}
	if err := h.Reconstructor.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		return storage.Snapshot{}, err
	}
	return snap, nil
}

func (h Handler) check() error {
	switch {
	case h.Commands == nil:
		return ErrCommandRegistryRequired
	case h.Events == nil:
		return ErrEventRegistryRequired
	case h.Store == nil:
		return ErrStoreRequired
	case h.Decider == nil:
		return ErrDeciderRequired
	}
	return nil
}

// committed returns the events cmd already appended, in order.
func (h Handler) committed(ctx context.Context, cmd command.Command) ([]event.Event, error) {
	lookup, ok := h.Store.(CommittedEvents)
	if !ok {
		return nil, nil
	}
	var events []event.Event
	for i := 0; ; i++ {
		evt, err := lookup.GetEvent(ctx, EventID(cmd.Stream, cmd.ID, i))
		if errors.Is(err, storage.ErrNotFound) {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		if evt.Stream != cmd.Stream {
			return events, nil
		}
		events = append(events, evt)
	}
}

func (h Handler) prepareEvents(cmd command.Command, events []event.Event) ([]event.Event, error) {
	prepared := make([]event.Event, 0, len(events))
	for i, evt := range events {
		evt.ID = EventID(cmd.Stream, cmd.ID, i)
		evt.Stream = cmd.Stream
		if evt.Timestamp.IsZero() {
			evt.Timestamp = h.now()
		}
		if evt.Metadata.CausationID == "" {
			evt.Metadata.CausationID = cmd.ID
		}
		vetted, err := h.Events.ValidateForAppend(evt)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, vetted)
	}
	return prepared, nil
}

func (h Handler) reconcile(ctx context.Context, cmd command.Command, revision int64, events []event.Event, violation error) {
	if h.Reconciler == nil || len(events) == 0 {
		return
	}
	var appErr *apperrors.Error
	reason := violation.Error()
	if errors.As(violation, &appErr) {
		reason = appErr.Metadata["reason"]
	}
	eventType := events[0].Type
	if appErr != nil && appErr.Metadata["event_type"] != "" {
		eventType = event.Type(appErr.Metadata["event_type"])
	}
	req := storage.ReconciliationRequest{
		Stream:      cmd.Stream,
		CommandID:   cmd.ID,
		CommandType: string(cmd.Type),
		EventType:   eventType,
		Revision:    revision,
		Reason:      reason,
		Source:      cmd.Metadata.Source,
		CreatedAt:   h.now(),
	}
	if _, err := h.Reconciler.RecordViolation(ctx, req); err != nil {
		h.logf("record sequence violation for command %s: %v", cmd.ID, err)
	}
}

func (h Handler) offerSnapshot(previous int64, state record.State) {
	if h.SnapshotWriter == nil || h.Policy == nil || !h.Policy.ShouldSnapshot(previous, state.Revision) {
		return
	}
	snap, err := encodeSnapshot(state, h.now())
	if err != nil {
		h.logf("encode snapshot %s/%s: %v", state.Type, state.ID, err)
		return
	}
	h.SnapshotWriter.Offer(snap)
}

func encodeSnapshot(state record.State, now time.Time) (storage.Snapshot, error) {
	data, err := record.EncodeState(state)
	if err != nil {
		return storage.Snapshot{}, err
	}
	return storage.Snapshot{
		Stream:       event.StreamID{AggregateType: state.Type, AggregateID: state.ID},
		Revision:     state.Revision,
		StateVersion: record.StateVersion,
		StateJSON:    data,
		CreatedAt:    now,
	}, nil
}

func (h Handler) loadFailure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if apperrors.CodeOf(err) != apperrors.CodeUnknown {
		return err
	}
	return apperrors.Wrap(apperrors.CodeStorageFailure, "load aggregate", err)
}

func permanent(err error) error {
	return &attemptError{err: err, permanent: true}
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func (h Handler) maxAttempts() int {
	if h.MaxAttempts > 0 {
		return h.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (h Handler) retryInterval() time.Duration {
	if h.RetryInterval > 0 {
		return h.RetryInterval
	}
	return 25 * time.Millisecond
}

func (h Handler) loadTimeout() time.Duration {
	if h.LoadTimeout > 0 {
		return h.LoadTimeout
	}
	return timeouts.StoreRead
}

func (h Handler) appendTimeout() time.Duration {
	if h.AppendTimeout > 0 {
		return h.AppendTimeout
	}
	return timeouts.StoreAppend
}

func (h Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}
