package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/ledger/internal/platform/otel"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

const tracerName = "github.com/louisbranch/ledger/dispatch"

// Dispatcher defaults.
const (
	DefaultBatchSize    = 64
	DefaultPollInterval = 2 * time.Second
	DefaultLease        = 2 * time.Minute
	DefaultMaxAttempts  = 8
)

// Config tunes a Dispatcher.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// Lease is how long a claimed row stays invisible to other claims. A
	// dispatcher that dies mid-batch loses its rows for at most this long.
	Lease       time.Duration
	MaxAttempts int
	Now         func() time.Time
	Logf        func(string, ...any)
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logf == nil {
		c.Logf = func(string, ...any) {}
	}
	return c
}

// Stats summarizes one dispatch pass.
type Stats struct {
	Claimed      int
	Delivered    int
	Retried      int
	DeadLettered int
	// Interrupted rows stay processing and are reclaimed after the lease.
	Interrupted int
}

// Dispatcher moves outbox rows through the pool.
type Dispatcher struct {
	store storage.OutboxStore
	pool  *Pool
	cfg   Config
	wake  chan struct{}
}

// NewDispatcher builds a dispatcher. The pool must be started before Run or
// RunOnce.
func NewDispatcher(store storage.OutboxStore, pool *Pool, cfg Config) *Dispatcher {
	return &Dispatcher{
		store: store,
		pool:  pool,
		cfg:   cfg.normalized(),
		wake:  make(chan struct{}, 1),
	}
}

// Wake asks Run to poll now instead of waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx ends. A pass that claimed rows is followed by another
// immediately, since each delivery may unblock the next row of its stream.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.store == nil || d.pool == nil {
		return errors.New("dispatcher requires an outbox store and a pool")
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		stats, err := d.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.cfg.Logf("dispatch outbox: %v", err)
		}
		if err == nil && stats.Claimed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// RunOnce claims one batch of due rows, delivers them and records outcomes.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ledger.outbox.dispatch")
	defer span.End()

	var stats Stats
	entries, err := d.store.ClaimOutbox(ctx, d.cfg.Now(), d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}
	stats.Claimed = len(entries)
	span.SetAttributes(attribute.Int("ledger.outbox.claimed", stats.Claimed))
	if len(entries) == 0 {
		return stats, nil
	}

	replies := make(chan Outcome, len(entries))
	submitted := 0
	for _, entry := range entries {
		if err := d.pool.Submit(ctx, Job{Entry: entry, Reply: replies}); err != nil {
			// Unsubmitted rows stay processing and are reclaimed after the lease.
			d.cfg.Logf("submit outbox %s: %v", entry.EventID, err)
			break
		}
		submitted++
	}
	for range submitted {
		outcome := <-replies
		d.record(ctx, outcome, &stats)
	}
	span.SetAttributes(
		attribute.Int("ledger.outbox.delivered", stats.Delivered),
		attribute.Int("ledger.outbox.retried", stats.Retried),
		attribute.Int("ledger.outbox.dead_lettered", stats.DeadLettered),
		attribute.Int("ledger.outbox.interrupted", stats.Interrupted),
	)
	return stats, nil
}

// record persists an outcome. Bookkeeping uses a context detached from
// cancellation so a shutdown does not strand a finished delivery.
func (d *Dispatcher) record(ctx context.Context, outcome Outcome, stats *Stats) {
	ctx = context.WithoutCancel(ctx)
	entry := outcome.Entry
	if outcome.Err == nil {
		if err := d.store.MarkOutboxDelivered(ctx, entry.EventID, d.cfg.Now()); err != nil {
			d.cfg.Logf("mark outbox %s delivered: %v", entry.EventID, err)
			return
		}
		stats.Delivered++
		return
	}
	if errors.Is(outcome.Err, ErrInterrupted) {
		stats.Interrupted++
		d.cfg.Logf("outbox %s interrupted, left for lease reclaim: %v", entry.EventID, outcome.Err)
		return
	}

	trace.SpanFromContext(ctx).RecordError(outcome.Err, trace.WithAttributes(
		attribute.String("ledger.event.id", entry.EventID),
		attribute.String("ledger.stream", entry.Stream.String()),
	))
	status, err := d.store.MarkOutboxRetry(ctx, entry.EventID, d.cfg.Now(), outcome.Err.Error(), d.cfg.MaxAttempts)
	if err != nil {
		d.cfg.Logf("mark outbox %s retry: %v", entry.EventID, err)
		return
	}
	if status == storage.OutboxFailed {
		stats.DeadLettered++
		d.cfg.Logf("outbox %s (%s@%d) dead-lettered after %d attempts: %v",
			entry.EventID, entry.Stream, entry.Revision, entry.AttemptCount+1, outcome.Err)
		return
	}
	stats.Retried++
}
