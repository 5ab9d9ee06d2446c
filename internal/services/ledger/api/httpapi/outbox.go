package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultRequeueLimit = 100
)

type outboxView struct {
	EventID       string     `json:"event_id"`
	Stream        string     `json:"stream"`
	Revision      uint64     `json:"revision"`
	Position      uint64     `json:"position"`
	EventType     string     `json:"event_type"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

func (h *handlers) listOutbox(w http.ResponseWriter, r *http.Request) {
	if h.opts.Outbox == nil {
		notConfigured(w, "outbox")
		return
	}
	var status storage.OutboxStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := storage.ParseOutboxStatus(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		status = parsed
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	entries, err := h.opts.Outbox.ListOutbox(r.Context(), status, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	views := make([]outboxView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, outboxView{
			EventID:       entry.EventID,
			Stream:        entry.Stream.String(),
			Revision:      entry.Revision,
			Position:      entry.Position,
			EventType:     string(entry.EventType),
			Status:        string(entry.Status),
			AttemptCount:  entry.AttemptCount,
			NextAttemptAt: entry.NextAttemptAt,
			LastError:     entry.LastError,
			UpdatedAt:     entry.UpdatedAt,
			DeliveredAt:   entry.DeliveredAt,
		})
	}
	respondJSON(w, http.StatusOK, views)
}

type summaryView struct {
	Counts          map[string]int `json:"counts"`
	OldestPendingAt *time.Time     `json:"oldest_pending_at,omitempty"`
}

func (h *handlers) outboxSummary(w http.ResponseWriter, r *http.Request) {
	if h.opts.Outbox == nil {
		notConfigured(w, "outbox")
		return
	}
	summary, err := h.opts.Outbox.OutboxSummary(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	view := summaryView{Counts: make(map[string]int, len(summary.Counts)), OldestPendingAt: summary.OldestPendingAt}
	for status, count := range summary.Counts {
		view.Counts[string(status)] = count
	}
	respondJSON(w, http.StatusOK, view)
}

type requeueRequest struct {
	EventID string `json:"event_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type requeueResponse struct {
	Requeued int `json:"requeued"`
}

// requeue moves dead-lettered rows back to pending: one row when event_id is
// given, otherwise up to limit of the oldest.
func (h *handlers) requeue(w http.ResponseWriter, r *http.Request) {
	if h.opts.Outbox == nil {
		notConfigured(w, "outbox")
		return
	}
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body")
		return
	}
	now := h.now()
	if id := strings.TrimSpace(req.EventID); id != "" {
		ok, err := h.opts.Outbox.RequeueFailed(r.Context(), id, now)
		if err != nil {
			respondError(w, err)
			return
		}
		if !ok {
			respondError(w, storage.ErrNotFound)
			return
		}
		respondJSON(w, http.StatusOK, requeueResponse{Requeued: 1})
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRequeueLimit
	}
	count, err := h.opts.Outbox.RequeueFailedBatch(r.Context(), limit, now)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, requeueResponse{Requeued: count})
}
