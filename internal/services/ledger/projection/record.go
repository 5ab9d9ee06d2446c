package projection

import (
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
)

// RegisterRecordHandlers projects record events for every aggregate type.
// Rows hold the folded record state so reads need no replay.
func RegisterRecordHandlers(a *Applier) error {
	for _, typ := range []event.Type{record.EventTypeCreated, record.EventTypeUpdated, record.EventTypeDeleted} {
		if err := a.Register(WildcardAggregate, typ, projectRecord); err != nil {
			return err
		}
	}
	return nil
}

func projectRecord(current Row, found bool, evt event.Event) (Change, error) {
	var state record.State
	if found && len(current.DataJSON) > 0 {
		decoded, err := record.DecodeState(current.DataJSON)
		if err != nil {
			return Change{}, err
		}
		state = decoded
	}
	wasLive := state.Exists && !state.Deleted

	next, err := record.Apply(state, evt)
	if err != nil {
		return Change{}, err
	}
	data, err := record.EncodeState(next)
	if err != nil {
		return Change{}, err
	}

	delta := 0
	isLive := next.Exists && !next.Deleted
	switch {
	case isLive && !wasLive:
		delta = 1
	case wasLive && !isLive:
		delta = -1
	}
	return Change{
		Row:        Row{Deleted: next.Deleted, DataJSON: data, UpdatedAt: next.UpdatedAt},
		CountDelta: delta,
	}, nil
}
