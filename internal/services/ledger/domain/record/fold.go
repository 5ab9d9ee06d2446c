package record

import (
	"encoding/json"
	"fmt"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/replay"
)

// Apply folds one event into state. It performs no I/O and never consults
// anything beyond its arguments.
func Apply(state State, evt event.Event) (State, error) {
	next := state
	next.Type = evt.Stream.AggregateType
	next.ID = evt.Stream.AggregateID
	next.Revision = int64(evt.Revision)
	next.UpdatedAt = evt.Timestamp

	switch evt.Type {
	case EventTypeCreated:
		var payload CreatePayload
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return state, fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		next.Exists = true
		next.Deleted = false
		next.Fields = make(Fields, len(payload.Fields))
		for key, value := range payload.Fields {
			if !isNull(value) {
				next.Fields[key] = value
			}
		}
		next.Source = evt.Metadata.Source
		next.CreatedAt = evt.Timestamp
	case EventTypeUpdated:
		var payload UpdatePayload
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return state, fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		next.Fields = state.Fields.Clone()
		if next.Fields == nil {
			next.Fields = make(Fields, len(payload.Fields))
		}
		for key, value := range payload.Fields {
			if isNull(value) {
				delete(next.Fields, key)
				continue
			}
			next.Fields[key] = value
		}
	case EventTypeDeleted:
		next.Deleted = true
		next.Fields = nil
	default:
		// Unknown types still advance the revision so replay stays contiguous.
	}
	return next, nil
}

// Applier exposes Apply to replay.
var Applier = replay.ApplierFunc[State](Apply)
