package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

func streamParam(r *http.Request) (event.StreamID, error) {
	return event.StreamID{
		AggregateType: chi.URLParam(r, "type"),
		AggregateID:   chi.URLParam(r, "id"),
	}.Normalize()
}

func (h *handlers) getStream(w http.ResponseWriter, r *http.Request) {
	if h.opts.Streams == nil {
		notConfigured(w, "stream loader")
		return
	}
	stream, err := streamParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	state, err := h.opts.Streams.Load(r.Context(), stream)
	if err != nil {
		respondError(w, err)
		return
	}
	if state.Revision == event.NoStream {
		respondError(w, storage.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

type rowView struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Revision      int64           `json:"revision"`
	Deleted       bool            `json:"deleted"`
	Data          json.RawMessage `json:"data,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (h *handlers) getRow(w http.ResponseWriter, r *http.Request) {
	if h.opts.ReadModel == nil {
		notConfigured(w, "read model")
		return
	}
	stream, err := streamParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	row, err := h.opts.ReadModel.Get(r.Context(), projection.KeyOf(stream))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rowView{
		AggregateType: row.Key.AggregateType,
		AggregateID:   row.Key.AggregateID,
		Revision:      row.Revision,
		Deleted:       row.Deleted,
		Data:          json.RawMessage(row.DataJSON),
		UpdatedAt:     row.UpdatedAt,
	})
}
