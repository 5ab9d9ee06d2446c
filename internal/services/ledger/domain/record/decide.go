package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

// Decide returns the events a command produces against state, or the
// rejections that decline it. Event ids are left for the caller to assign.
//
// Stream existence ordering is not checked here; the engine's sequence guard
// applies that rule uniformly using event lifecycles.
func Decide(state State, cmd command.Command, now func() time.Time) command.Decision {
	if now == nil {
		now = time.Now
	}
	build := func(typ event.Type, payload []byte) command.Decision {
		return command.Accept(event.Event{
			Stream:      cmd.Stream,
			Type:        typ,
			Timestamp:   now().UTC(),
			PayloadJSON: payload,
			Metadata:    cmd.Metadata,
		})
	}

	switch cmd.Type {
	case CommandTypeCreate:
		return build(EventTypeCreated, cmd.PayloadJSON)
	case CommandTypeUpdate:
		if state.Deleted {
			return command.Reject(command.Rejection{Code: RejectionRecordDeleted, Message: "record is deleted"})
		}
		var payload UpdatePayload
		if err := json.Unmarshal(cmd.PayloadJSON, &payload); err == nil && len(payload.Fields) == 0 {
			return command.Reject(command.Rejection{Code: RejectionEmptyPatch, Message: "update carries no fields"})
		}
		return build(EventTypeUpdated, cmd.PayloadJSON)
	case CommandTypeDelete:
		if state.Deleted {
			return command.Reject(command.Rejection{Code: RejectionRecordDeleted, Message: "record is already deleted"})
		}
		return build(EventTypeDeleted, cmd.PayloadJSON)
	default:
		return command.Reject(command.Rejection{Code: "COMMAND_TYPE_UNSUPPORTED", Message: fmt.Sprintf("unsupported command %s", cmd.Type)})
	}
}

// Decider adapts Decide for the engine.
type Decider struct {
	Now func() time.Time
}

// Decide implements engine.Decider.
func (d Decider) Decide(state State, cmd command.Command) command.Decision {
	return Decide(state, cmd, d.Now)
}

var errFieldsRequired = errors.New("fields are required")

func validateCreate(raw json.RawMessage) error {
	var payload CreatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if payload.Fields == nil {
		return errFieldsRequired
	}
	return nil
}

func validateUpdate(raw json.RawMessage) error {
	var payload UpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if payload.Fields == nil {
		return errFieldsRequired
	}
	return nil
}

func validateDelete(raw json.RawMessage) error {
	var payload DeletePayload
	return json.Unmarshal(raw, &payload)
}
