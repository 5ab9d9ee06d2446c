package record

import (
	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

const (
	CommandTypeCreate command.Type = "record.create"
	CommandTypeUpdate command.Type = "record.update"
	CommandTypeDelete command.Type = "record.delete"

	EventTypeCreated event.Type = "record.created"
	EventTypeUpdated event.Type = "record.updated"
	EventTypeDeleted event.Type = "record.deleted"
)

// SourceBackfill tags events synthesized from historical source data.
const SourceBackfill = "backfill"

// Rejection codes.
const (
	RejectionRecordDeleted = "RECORD_DELETED"
	RejectionEmptyPatch    = "RECORD_EMPTY_PATCH"
)

// CreatePayload is the payload of record.create and record.created.
type CreatePayload struct {
	Fields Fields `json:"fields"`
}

// UpdatePayload is the payload of record.update and record.updated. A field
// set to JSON null is removed.
type UpdatePayload struct {
	Fields Fields `json:"fields"`
}

// DeletePayload is the payload of record.delete and record.deleted.
type DeletePayload struct {
	Reason string `json:"reason,omitempty"`
}
