package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/louisbranch/ledger/internal/platform/requestctx"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/engine"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// CommandHandler runs commands through the unit of work.
type CommandHandler interface {
	Handle(ctx context.Context, cmd command.Command) (engine.Result, error)
}

// StreamLoader reconstructs aggregate state.
type StreamLoader interface {
	Load(ctx context.Context, stream event.StreamID) (record.State, error)
}

// Options wires the router's dependencies. Nil dependencies disable their
// routes with 501.
type Options struct {
	Commands  CommandHandler
	Streams   StreamLoader
	Outbox    storage.OutboxStore
	ReadModel projection.ReadModel
	// Ready reports whether backing stores are reachable.
	Ready func(context.Context) error
	Now   func() time.Time
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	h := &handlers{opts: opts}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlation)

	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/commands", h.submitCommand)
		r.Get("/streams/{type}/{id}", h.getStream)
		r.Get("/readmodel/{type}/{id}", h.getRow)
		r.Route("/outbox", func(r chi.Router) {
			r.Get("/", h.listOutbox)
			r.Get("/summary", h.outboxSummary)
			r.Post("/requeue", h.requeue)
		})
	})
	return r
}

type handlers struct {
	opts Options
}

func (h *handlers) now() time.Time {
	if h.opts.Now != nil {
		return h.opts.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// correlation stores the caller's correlation id in the request context,
// falling back to the generated request id, and echoes it back.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestctx.CorrelationHeader)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		if id != "" {
			w.Header().Set(requestctx.CorrelationHeader, id)
			r = r.WithContext(requestctx.WithCorrelationID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
