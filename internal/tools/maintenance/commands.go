package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/backfill"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/engine"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/sqlite"
)

const rebuildPageSize = 500

type verifyReport struct {
	Mode    string `json:"mode"`
	Streams int    `json:"streams"`
	Events  int    `json:"events"`
	Error   string `json:"error,omitempty"`
}

func runVerify(ctx context.Context, verifier integrityVerifier, jsonOutput bool, out io.Writer) error {
	report, err := verifier.VerifyIntegrity(ctx)
	if jsonOutput {
		result := verifyReport{Mode: CommandVerify, Streams: report.Streams, Events: report.Events}
		if err != nil {
			result.Error = err.Error()
		}
		if encodeErr := writeJSON(out, result); encodeErr != nil {
			return encodeErr
		}
	} else {
		fmt.Fprintf(out, "Verified %d streams, %d events\n", report.Streams, report.Events)
	}
	if err != nil {
		return fmt.Errorf("verify event integrity: %w", err)
	}
	return nil
}

type outboxRow struct {
	EventID       string    `json:"event_id"`
	Stream        string    `json:"stream"`
	Revision      uint64    `json:"revision"`
	EventType     string    `json:"event_type"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
}

type outboxReport struct {
	Mode            string         `json:"mode"`
	Status          string         `json:"status,omitempty"`
	Limit           int            `json:"limit"`
	Counts          map[string]int `json:"counts"`
	OldestPendingAt *time.Time     `json:"oldest_pending_at,omitempty"`
	Rows            []outboxRow    `json:"rows"`
}

func runOutboxReport(ctx context.Context, outbox storage.OutboxStore, status string, limit int, jsonOutput bool, out io.Writer) error {
	if limit <= 0 {
		return errors.New("outbox limit must be > 0")
	}
	var filter storage.OutboxStatus
	if trimmed := strings.TrimSpace(status); trimmed != "" {
		parsed, err := storage.ParseOutboxStatus(trimmed)
		if err != nil {
			return err
		}
		filter = parsed
	}
	summary, err := outbox.OutboxSummary(ctx)
	if err != nil {
		return fmt.Errorf("read outbox summary: %w", err)
	}
	entries, err := outbox.ListOutbox(ctx, filter, limit)
	if err != nil {
		return fmt.Errorf("list outbox rows: %w", err)
	}

	report := outboxReport{
		Mode:            CommandOutboxReport,
		Status:          string(filter),
		Limit:           limit,
		Counts:          make(map[string]int, len(summary.Counts)),
		OldestPendingAt: summary.OldestPendingAt,
		Rows:            make([]outboxRow, 0, len(entries)),
	}
	for status, count := range summary.Counts {
		report.Counts[string(status)] = count
	}
	for _, entry := range entries {
		report.Rows = append(report.Rows, outboxRow{
			EventID:       entry.EventID,
			Stream:        entry.Stream.String(),
			Revision:      entry.Revision,
			EventType:     string(entry.EventType),
			Status:        string(entry.Status),
			AttemptCount:  entry.AttemptCount,
			NextAttemptAt: entry.NextAttemptAt,
			LastError:     entry.LastError,
		})
	}
	if jsonOutput {
		return writeJSON(out, report)
	}

	fmt.Fprintf(out, "Outbox summary: pending=%d processing=%d retry=%d delivered=%d failed=%d\n",
		summary.Counts[storage.OutboxPending],
		summary.Counts[storage.OutboxProcessing],
		summary.Counts[storage.OutboxRetry],
		summary.Counts[storage.OutboxDelivered],
		summary.Counts[storage.OutboxFailed],
	)
	if summary.OldestPendingAt == nil {
		fmt.Fprintln(out, "Oldest undelivered row: none")
	} else {
		fmt.Fprintf(out, "Oldest undelivered row: next_attempt_at=%s\n", summary.OldestPendingAt.Format(time.RFC3339))
	}
	if filter == "" {
		fmt.Fprintf(out, "Rows (all statuses, limit=%d):\n", limit)
	} else {
		fmt.Fprintf(out, "Rows (status=%s, limit=%d):\n", filter, limit)
	}
	for _, row := range report.Rows {
		fmt.Fprintf(out, "- %s@%d %s status=%s attempts=%d next_attempt_at=%s type=%s\n",
			row.Stream, row.Revision, row.EventID, row.Status, row.AttemptCount,
			row.NextAttemptAt.Format(time.RFC3339), row.EventType)
		if strings.TrimSpace(row.LastError) != "" {
			fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
		}
	}
	return nil
}

type countReport struct {
	Mode  string `json:"mode"`
	Count int    `json:"count"`
}

func runOutboxRequeue(ctx context.Context, outbox storage.OutboxStore, eventID string, limit int, now time.Time, jsonOutput bool, out io.Writer) error {
	eventID = strings.TrimSpace(eventID)
	count := 0
	if eventID != "" {
		ok, err := outbox.RequeueFailed(ctx, eventID, now)
		if err != nil {
			return fmt.Errorf("requeue outbox row: %w", err)
		}
		if !ok {
			return fmt.Errorf("outbox row %s is not failed or does not exist", eventID)
		}
		count = 1
	} else {
		requeued, err := outbox.RequeueFailedBatch(ctx, limit, now)
		if err != nil {
			return fmt.Errorf("requeue failed outbox rows: %w", err)
		}
		count = requeued
	}
	if jsonOutput {
		return writeJSON(out, countReport{Mode: CommandOutboxRequeue, Count: count})
	}
	fmt.Fprintf(out, "Requeued %d failed outbox rows\n", count)
	return nil
}

func runPurgeDelivered(ctx context.Context, outbox storage.OutboxStore, before time.Time, jsonOutput bool, out io.Writer) error {
	purged, err := outbox.PurgeDelivered(ctx, before)
	if err != nil {
		return fmt.Errorf("purge delivered outbox rows: %w", err)
	}
	if jsonOutput {
		return writeJSON(out, countReport{Mode: CommandPurgeDelivered, Count: purged})
	}
	fmt.Fprintf(out, "Purged %d delivered outbox rows older than %s\n", purged, before.Format(time.RFC3339))
	return nil
}

func reconstructor(store *sqlite.Store) engine.Reconstructor {
	return engine.Reconstructor{Events: store, Snapshots: store, Logf: log.Printf}
}

func runReconstruct(ctx context.Context, store *sqlite.Store, rawStream string, until uint64, out io.Writer) error {
	stream, err := event.ParseStreamID(rawStream)
	if err != nil {
		return err
	}
	state, err := reconstructor(store).LoadAt(ctx, stream, until)
	if err != nil {
		return fmt.Errorf("reconstruct %s: %w", stream, err)
	}
	if state.Revision == event.NoStream {
		return fmt.Errorf("stream %s has no events", stream)
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

type snapshotReport struct {
	Mode     string `json:"mode"`
	Stream   string `json:"stream"`
	Revision int64  `json:"revision"`
}

func runSnapshot(ctx context.Context, store *sqlite.Store, rawStream string, now time.Time, jsonOutput bool, out io.Writer) error {
	stream, err := event.ParseStreamID(rawStream)
	if err != nil {
		return err
	}
	handler := engine.Handler{
		Reconstructor: reconstructor(store),
		Now:           func() time.Time { return now },
	}
	snap, err := handler.Snapshot(ctx, stream)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", stream, err)
	}
	if jsonOutput {
		return writeJSON(out, snapshotReport{Mode: CommandSnapshot, Stream: stream.String(), Revision: snap.Revision})
	}
	fmt.Fprintf(out, "Saved snapshot of %s at revision %d\n", stream, snap.Revision)
	return nil
}

type reconcileRow struct {
	ID          int64     `json:"id"`
	Stream      string    `json:"stream"`
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type"`
	EventType   string    `json:"event_type"`
	Revision    int64     `json:"revision"`
	Reason      string    `json:"reason"`
	Source      string    `json:"source,omitempty"`
	Status      string    `json:"status"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func runReconcileList(ctx context.Context, store storage.ReconciliationStore, status string, limit int, jsonOutput bool, out io.Writer) error {
	if limit <= 0 {
		return errors.New("limit must be > 0")
	}
	requests, err := store.ListReconciliation(ctx, storage.ReconciliationStatus(strings.TrimSpace(status)), limit)
	if err != nil {
		return fmt.Errorf("list reconciliation requests: %w", err)
	}
	rows := make([]reconcileRow, 0, len(requests))
	for _, req := range requests {
		rows = append(rows, reconcileRow{
			ID:          req.ID,
			Stream:      req.Stream.String(),
			CommandID:   req.CommandID,
			CommandType: req.CommandType,
			EventType:   string(req.EventType),
			Revision:    req.Revision,
			Reason:      req.Reason,
			Source:      req.Source,
			Status:      string(req.Status),
			Note:        req.Note,
			CreatedAt:   req.CreatedAt,
		})
	}
	if jsonOutput {
		return writeJSON(out, rows)
	}
	fmt.Fprintf(out, "Reconciliation requests (status=%s, limit=%d): %d\n", status, limit, len(rows))
	for _, row := range rows {
		fmt.Fprintf(out, "- #%d %s command=%s type=%s revision=%d reason=%q\n",
			row.ID, row.Stream, row.CommandID, row.EventType, row.Revision, row.Reason)
	}
	return nil
}

func runReconcileResolve(ctx context.Context, store storage.ReconciliationStore, id int64, note string, now time.Time, out io.Writer) error {
	if err := store.ResolveReconciliation(ctx, id, strings.TrimSpace(note), now); err != nil {
		return fmt.Errorf("resolve reconciliation request %d: %w", id, err)
	}
	fmt.Fprintf(out, "Resolved reconciliation request %d\n", id)
	return nil
}

type rebuildReport struct {
	Mode         string `json:"mode"`
	LastPosition uint64 `json:"last_position"`
	Applied      int    `json:"applied"`
}

func runRebuild(ctx context.Context, source eventSource, model projection.ReadModel, afterPosition uint64, jsonOutput bool, out io.Writer) error {
	applier := projection.NewApplier(model)
	if err := projection.RegisterRecordHandlers(applier); err != nil {
		return fmt.Errorf("register projections: %w", err)
	}
	last, applied, err := applier.Rebuild(ctx, source.ReadAll, afterPosition, rebuildPageSize)
	if err != nil {
		return fmt.Errorf("rebuild projections after position %d: %w", last, err)
	}
	if jsonOutput {
		return writeJSON(out, rebuildReport{Mode: CommandRebuild, LastPosition: last, Applied: applied})
	}
	fmt.Fprintf(out, "Rebuilt projections: applied=%d last_position=%d\n", applied, last)
	return nil
}

func runBackfill(ctx context.Context, store *sqlite.Store, cfg Config, errOut io.Writer, out io.Writer) error {
	commandRegistry, eventRegistry, err := record.Registries()
	if err != nil {
		return fmt.Errorf("build registries: %w", err)
	}
	logger := log.New(errOut, "", log.LstdFlags)
	runner := backfill.Runner{
		Source: backfill.FileSource{Path: cfg.SourcePath, PageSize: cfg.PageSize},
		Handler: engine.Handler{
			Commands:      commandRegistry,
			Events:        eventRegistry,
			Store:         store,
			Reconstructor: reconstructor(store),
			Decider:       record.Decider{},
			Reconciler:    store,
			Logf:          logger.Printf,
		},
		Logf: logger.Printf,
	}
	report, err := runner.Run(ctx, strings.TrimSpace(cfg.EntityType), cfg.PageToken)
	if cfg.JSONOutput {
		if encodeErr := writeJSON(out, report); encodeErr != nil {
			return encodeErr
		}
	} else {
		fmt.Fprintf(out, "Backfill %s: pages=%d fetched=%d created=%d duplicates=%d skipped=%d invalid=%d\n",
			cfg.EntityType, report.Pages, report.Fetched, report.Created, report.Duplicates, report.Skipped, report.Invalid)
	}
	if err != nil {
		if report.NextToken != "" {
			return fmt.Errorf("backfill stopped, resume with -page-token %s: %w", report.NextToken, err)
		}
		return fmt.Errorf("backfill: %w", err)
	}
	return nil
}
