package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/replay"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// Reconstructor rebuilds record state from an optional snapshot plus the
// events that follow it.
type Reconstructor struct {
	Events    replay.EventStore
	Snapshots storage.SnapshotStore
	PageSize  int
	Logf      func(string, ...any)
}

// Load returns the current state of stream. A stream with no events and no
// snapshot yields a zero state at event.NoStream.
func (r Reconstructor) Load(ctx context.Context, stream event.StreamID) (record.State, error) {
	return r.LoadAt(ctx, stream, 0)
}

// LoadAt returns the state of stream as of revision until, or the current
// state when until is zero.
func (r Reconstructor) LoadAt(ctx context.Context, stream event.StreamID, until uint64) (record.State, error) {
	stream, err := stream.Normalize()
	if err != nil {
		return record.State{}, err
	}
	state := record.State{Type: stream.AggregateType, ID: stream.AggregateID, Revision: event.NoStream}
	if snap, ok := r.snapshot(ctx, stream, until); ok {
		state = snap
	}
	result, err := replay.Replay(ctx, r.Events, record.Applier, stream, state, replay.Options{
		AfterRevision: uint64(state.Revision),
		UntilRevision: until,
		PageSize:      r.PageSize,
	})
	if err != nil {
		return record.State{}, fmt.Errorf("replay %s: %w", stream, err)
	}
	return result.State, nil
}

// snapshot returns a usable snapshot state. Snapshots are advisory: read
// failures, foreign codec versions and undecodable state all fall back to a
// full replay.
func (r Reconstructor) snapshot(ctx context.Context, stream event.StreamID, until uint64) (record.State, bool) {
	if r.Snapshots == nil {
		return record.State{}, false
	}
	snap, err := r.Snapshots.GetLatestSnapshot(ctx, stream)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logf("load snapshot %s: %v", stream, err)
		}
		return record.State{}, false
	}
	if snap.StateVersion != record.StateVersion {
		r.logf("ignore snapshot %s@%d: state version %d, want %d", stream, snap.Revision, snap.StateVersion, record.StateVersion)
		return record.State{}, false
	}
	if snap.Revision <= 0 || (until > 0 && uint64(snap.Revision) > until) {
		return record.State{}, false
	}
	state, err := record.DecodeState(snap.StateJSON)
	if err != nil {
		r.logf("decode snapshot %s@%d: %v", stream, snap.Revision, err)
		return record.State{}, false
	}
	state.Type = stream.AggregateType
	state.ID = stream.AggregateID
	state.Revision = snap.Revision
	return state, true
}

func (r Reconstructor) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}
