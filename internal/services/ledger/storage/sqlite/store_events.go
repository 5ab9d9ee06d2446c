package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

const (
	eventColumns = `position, event_id, aggregate_type, aggregate_id, revision, event_type, schema_version,
	timestamp, payload_json, metadata_json, event_hash, prev_event_hash, chain_hash, signature_key_id, event_signature`

	readStreamPageSize = 256
)

// ErrEventsRequired indicates an append with an empty batch.
var ErrEventsRequired = errors.New("at least one event is required")

func storageFailure(message string, err error) error {
	return apperrors.Wrap(apperrors.CodeStorageFailure, message, err)
}

// Append writes events to stream at expected revision together with one
// outbox row per event.
func (s *Store) Append(ctx context.Context, stream event.StreamID, expected int64, events []event.Event) (storage.AppendResult, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AppendResult{}, err
	}
	stream, err := stream.Normalize()
	if err != nil {
		return storage.AppendResult{}, err
	}
	if len(events) == 0 {
		return storage.AppendResult{}, ErrEventsRequired
	}
	if expected < event.AnyRevision {
		return storage.AppendResult{}, fmt.Errorf("expected revision %d is invalid", expected)
	}

	batch, ids, err := s.prepareBatch(stream, events)
	if err != nil {
		return storage.AppendResult{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.AppendResult{}, storageFailure("begin append tx", err)
	}
	defer tx.Rollback()

	stored, err := eventsByID(ctx, tx, ids)
	if err != nil {
		return storage.AppendResult{}, storageFailure("load existing events", err)
	}
	if len(stored) > 0 {
		return duplicateResult(stream, expected, batch, stored)
	}

	current, prevHash, err := streamHead(ctx, tx, stream)
	if err != nil {
		return storage.AppendResult{}, storageFailure("load stream head", err)
	}
	if expected != event.AnyRevision && expected != current {
		return storage.AppendResult{}, &storage.ConflictError{Stream: stream, Expected: expected, Actual: current}
	}

	now := s.now().UTC()
	out := make([]event.Event, 0, len(batch))
	for i, evt := range batch {
		evt.Revision = uint64(current) + uint64(i) + 1
		sealed, err := s.keyring.Seal(evt, prevHash)
		if err != nil {
			return storage.AppendResult{}, err
		}
		position, err := insertEvent(ctx, tx, sealed)
		if err != nil {
			if isConstraintError(err) {
				return storage.AppendResult{}, &storage.ConflictError{Stream: stream, Expected: expected, Actual: current}
			}
			return storage.AppendResult{}, storageFailure("insert event", err)
		}
		sealed.Position = position
		if err := enqueueOutbox(ctx, tx, sealed, now); err != nil {
			return storage.AppendResult{}, storageFailure("enqueue outbox", err)
		}
		prevHash = sealed.ChainHash
		out = append(out, sealed)
	}

	revision := current + int64(len(out))
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO streams (aggregate_type, aggregate_id, revision, last_chain_hash, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(aggregate_type, aggregate_id) DO UPDATE SET
		     revision = excluded.revision,
		     last_chain_hash = excluded.last_chain_hash,
		     updated_at = excluded.updated_at`,
		stream.AggregateType, stream.AggregateID, revision, prevHash, toMillis(now),
	); err != nil {
		return storage.AppendResult{}, storageFailure("advance stream head", err)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return storage.AppendResult{}, &storage.ConflictError{Stream: stream, Expected: expected, Actual: current}
		}
		return storage.AppendResult{}, storageFailure("commit append tx", err)
	}
	return storage.AppendResult{Revision: revision, Events: out}, nil
}

func (s *Store) prepareBatch(stream event.StreamID, events []event.Event) ([]event.Event, []string, error) {
	batch := make([]event.Event, 0, len(events))
	ids := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if evt.Stream == (event.StreamID{}) {
			evt.Stream = stream
		}
		validated, err := s.registry.ValidateForAppend(evt)
		if err != nil {
			return nil, nil, err
		}
		if validated.Stream != stream {
			return nil, nil, fmt.Errorf("event %s targets stream %s, not %s", validated.ID, validated.Stream, stream)
		}
		if _, dup := seen[validated.ID]; dup {
			return nil, nil, fmt.Errorf("event id %s repeated in batch", validated.ID)
		}
		seen[validated.ID] = struct{}{}
		validated.Timestamp = validated.Timestamp.Truncate(time.Millisecond)
		batch = append(batch, validated)
		ids = append(ids, validated.ID)
	}
	return batch, ids, nil
}

// duplicateResult treats a fully stored batch as a successful no-op. Any
// partial overlap means the caller is racing another writer.
func duplicateResult(stream event.StreamID, expected int64, batch []event.Event, stored map[string]event.Event) (storage.AppendResult, error) {
	if len(stored) != len(batch) {
		return storage.AppendResult{}, &storage.ConflictError{Stream: stream, Expected: expected, Actual: event.AnyRevision}
	}
	out := make([]event.Event, 0, len(batch))
	for _, evt := range batch {
		prior := stored[evt.ID]
		if prior.Stream != stream {
			return storage.AppendResult{}, fmt.Errorf("event id %s already stored on stream %s", evt.ID, prior.Stream)
		}
		out = append(out, prior)
	}
	return storage.AppendResult{Revision: int64(out[len(out)-1].Revision), Events: out, Duplicate: true}, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func eventsByID(ctx context.Context, q queryer, ids []string) (map[string]event.Event, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := make(map[string]event.Event)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		found[evt.ID] = evt
	}
	return found, rows.Err()
}

func streamHead(ctx context.Context, q queryer, stream event.StreamID) (int64, string, error) {
	var (
		revision int64
		hash     string
	)
	err := q.QueryRowContext(ctx,
		`SELECT revision, last_chain_hash FROM streams WHERE aggregate_type = ? AND aggregate_id = ?`,
		stream.AggregateType, stream.AggregateID,
	).Scan(&revision, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return event.NoStream, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return revision, hash, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt event.Event) (uint64, error) {
	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO events (
		    event_id, aggregate_type, aggregate_id, revision, event_type, schema_version,
		    timestamp, payload_json, metadata_json, event_hash, prev_event_hash, chain_hash,
		    signature_key_id, event_signature
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.Stream.AggregateType,
		evt.Stream.AggregateID,
		int64(evt.Revision),
		string(evt.Type),
		evt.SchemaVersion,
		toMillis(evt.Timestamp),
		evt.PayloadJSON,
		metadata,
		evt.Hash,
		evt.PrevHash,
		evt.ChainHash,
		evt.SignatureKeyID,
		evt.Signature,
	)
	if err != nil {
		return 0, err
	}
	position, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(position), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (event.Event, error) {
	var (
		evt       event.Event
		position  int64
		revision  int64
		eventType string
		ts        int64
		metadata  []byte
	)
	if err := row.Scan(
		&position,
		&evt.ID,
		&evt.Stream.AggregateType,
		&evt.Stream.AggregateID,
		&revision,
		&eventType,
		&evt.SchemaVersion,
		&ts,
		&evt.PayloadJSON,
		&metadata,
		&evt.Hash,
		&evt.PrevHash,
		&evt.ChainHash,
		&evt.SignatureKeyID,
		&evt.Signature,
	); err != nil {
		return event.Event{}, err
	}
	evt.Position = uint64(position)
	evt.Revision = uint64(revision)
	evt.Type = event.Type(eventType)
	evt.Timestamp = fromMillis(ts)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
			return event.Event{}, fmt.Errorf("decode metadata for %s: %w", evt.ID, err)
		}
	}
	return evt, nil
}

func collectEvents(rows *sql.Rows, capacity int) ([]event.Event, error) {
	defer rows.Close()
	events := make([]event.Event, 0, capacity)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListStreamEvents returns up to limit events of stream after afterRevision.
func (s *Store) ListStreamEvents(ctx context.Context, stream event.StreamID, afterRevision uint64, limit int) ([]event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	stream, err := stream.Normalize()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []event.Event{}, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_type = ? AND aggregate_id = ? AND revision > ?
		 ORDER BY revision ASC
		 LIMIT ?`,
		stream.AggregateType, stream.AggregateID, int64(afterRevision), limit,
	)
	if err != nil {
		return nil, storageFailure("list stream events", err)
	}
	events, err := collectEvents(rows, limit)
	if err != nil {
		return nil, storageFailure("scan stream events", err)
	}
	return events, nil
}

// ReadStream lazily pages through stream. The upper bound is fixed when
// iteration starts, so events appended meanwhile are not yielded.
func (s *Store) ReadStream(ctx context.Context, stream event.StreamID, from, to uint64) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if to == 0 {
			head, err := s.StreamRevision(ctx, stream)
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			to = uint64(head)
		}
		after := uint64(0)
		if from > 0 {
			after = from - 1
		}
		for after < to {
			page, err := s.ListStreamEvents(ctx, stream, after, readStreamPageSize)
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, evt := range page {
				if evt.Revision > to {
					return
				}
				if !yield(evt, nil) {
					return
				}
				after = evt.Revision
			}
		}
	}
}

// ReadAll returns up to limit events across streams after afterPosition.
func (s *Store) ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []event.Event{}, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE position > ? ORDER BY position ASC LIMIT ?`,
		int64(afterPosition), limit,
	)
	if err != nil {
		return nil, storageFailure("read all events", err)
	}
	events, err := collectEvents(rows, limit)
	if err != nil {
		return nil, storageFailure("scan events", err)
	}
	return events, nil
}

// StreamRevision returns the stream's current revision or event.NoStream.
func (s *Store) StreamRevision(ctx context.Context, stream event.StreamID) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	stream, err := stream.Normalize()
	if err != nil {
		return 0, err
	}
	revision, _, err := streamHead(ctx, s.sqlDB, stream)
	if err != nil {
		return 0, storageFailure("load stream revision", err)
	}
	return revision, nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return event.Event{}, err
	}
	evt, err := scanEvent(s.sqlDB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Event{}, storageFailure("get event", err)
	}
	return evt, nil
}

// IntegrityReport summarizes a VerifyIntegrity pass.
type IntegrityReport struct {
	Streams int
	Events  int
}

// VerifyIntegrity walks every stream, checking revision contiguity, hash
// links and signatures. It stops at the first broken stream.
func (s *Store) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	if err := s.ready(ctx); err != nil {
		return IntegrityReport{}, err
	}
	streams, err := s.listStreams(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}

	var report IntegrityReport
	for _, head := range streams {
		prevHash := ""
		expected := uint64(1)
		for evt, err := range s.ReadStream(ctx, head.stream, 1, uint64(head.revision)) {
			if err != nil {
				return report, err
			}
			if evt.Revision != expected {
				return report, fmt.Errorf("stream %s: revision gap: expected %d got %d", head.stream, expected, evt.Revision)
			}
			if err := s.keyring.Check(evt, prevHash); err != nil {
				return report, fmt.Errorf("stream %s: %w", head.stream, err)
			}
			prevHash = evt.ChainHash
			expected++
			report.Events++
		}
		if int64(expected-1) != head.revision {
			return report, fmt.Errorf("stream %s: head revision %d but %d events", head.stream, head.revision, expected-1)
		}
		if prevHash != head.lastHash {
			return report, fmt.Errorf("stream %s: head chain hash does not match last event", head.stream)
		}
		report.Streams++
	}
	return report, nil
}

type streamHeadRow struct {
	stream   event.StreamID
	revision int64
	lastHash string
}

func (s *Store) listStreams(ctx context.Context) ([]streamHeadRow, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT aggregate_type, aggregate_id, revision, last_chain_hash FROM streams ORDER BY aggregate_type, aggregate_id`)
	if err != nil {
		return nil, storageFailure("list streams", err)
	}
	defer rows.Close()
	var heads []streamHeadRow
	for rows.Next() {
		var head streamHeadRow
		if err := rows.Scan(&head.stream.AggregateType, &head.stream.AggregateID, &head.revision, &head.lastHash); err != nil {
			return nil, storageFailure("scan stream", err)
		}
		heads = append(heads, head)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure("iterate streams", err)
	}
	return heads, nil
}
