package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/platform/requestctx"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/engine"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
)

// maxCommandBody caps a command request body.
const maxCommandBody = 1 << 20

type commandRequest struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateID      string          `json:"aggregate_id"`
	ExpectedRevision *int64          `json:"expected_revision,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	Source           string          `json:"source,omitempty"`
	Broadcast        bool            `json:"broadcast,omitempty"`
}

type eventView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Revision  uint64    `json:"revision"`
	Position  uint64    `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

type commandResponse struct {
	Stage     engine.Stage   `json:"stage"`
	Trail     []engine.Stage `json:"trail"`
	Revision  int64          `json:"revision"`
	Attempts  int            `json:"attempts"`
	Duplicate bool           `json:"duplicate"`
	Events    []eventView    `json:"events"`
	State     record.State   `json:"state"`
}

func (h *handlers) submitCommand(w http.ResponseWriter, r *http.Request) {
	if h.opts.Commands == nil {
		notConfigured(w, "command handler")
		return
	}
	var req commandRequest
	body := http.MaxBytesReader(w, r.Body, maxCommandBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Code: apperrors.CodeValidation, Message: "request body too large"})
			return
		}
		badRequest(w, "invalid request body")
		return
	}
	cmd := command.Command{
		ID:               req.ID,
		Type:             command.Type(req.Type),
		Stream:           event.StreamID{AggregateType: req.AggregateType, AggregateID: req.AggregateID},
		ExpectedRevision: req.ExpectedRevision,
		PayloadJSON:      req.Payload,
		Metadata: event.Metadata{
			CorrelationID: req.CorrelationID,
			Source:        req.Source,
			Broadcast:     req.Broadcast,
		},
	}
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = requestctx.CorrelationIDFromContext(r.Context())
	}

	result, err := h.opts.Commands.Handle(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := commandResponse{
		Stage:     result.Stage,
		Trail:     result.Trail,
		Revision:  result.Revision,
		Attempts:  result.Attempts,
		Duplicate: result.Duplicate,
		Events:    make([]eventView, 0, len(result.Events)),
		State:     result.State,
	}
	for _, evt := range result.Events {
		resp.Events = append(resp.Events, eventView{
			ID:        evt.ID,
			Type:      string(evt.Type),
			Revision:  evt.Revision,
			Position:  evt.Position,
			Timestamp: evt.Timestamp,
		})
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}
