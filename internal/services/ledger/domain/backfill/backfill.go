package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/engine"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
)

var (
	// ErrSourceRequired indicates a missing source.
	ErrSourceRequired = errors.New("backfill source is required")
	// ErrHandlerRequired indicates a missing command handler.
	ErrHandlerRequired = errors.New("command handler is required")
)

// Record is one entity as the source system holds it today.
type Record struct {
	ID     string                     `json:"id"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// Source pages through a source system's records of one entity type. An
// empty next token ends the run.
type Source interface {
	FetchBatch(ctx context.Context, entityType, pageToken string) (records []Record, next string, err error)
}

// CommandHandler executes commands.
type CommandHandler interface {
	Handle(ctx context.Context, cmd command.Command) (engine.Result, error)
}

// Report summarizes a run.
type Report struct {
	Pages      int
	Fetched    int
	Created    int
	Duplicates int
	// Skipped counts records whose stream already had events or whose
	// command was rejected.
	Skipped int
	// Invalid counts records that failed validation.
	Invalid int
	// NextToken resumes an interrupted run.
	NextToken string
}

// Runner feeds source records through the handler.
type Runner struct {
	Source  Source
	Handler CommandHandler
	Logf    func(string, ...any)
}

// CommandID is the idempotency key of a backfilled record. Rerunning a
// backfill resubmits the same ids, so committed records are recognized.
func CommandID(entityType, recordID string) string {
	return "backfill:" + entityType + ":" + recordID
}

// Run backfills every record of entityType starting at pageToken. It stops
// at the first infrastructure error, returning the report so far; NextToken
// then points at the page that failed.
func (r Runner) Run(ctx context.Context, entityType, pageToken string) (Report, error) {
	if r.Source == nil {
		return Report{}, ErrSourceRequired
	}
	if r.Handler == nil {
		return Report{}, ErrHandlerRequired
	}
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return Report{}, event.ErrAggregateTypeRequired
	}

	report := Report{NextToken: pageToken}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		records, next, err := r.Source.FetchBatch(ctx, entityType, report.NextToken)
		if err != nil {
			return report, fmt.Errorf("fetch %s batch: %w", entityType, err)
		}
		report.Pages++
		report.Fetched += len(records)
		for _, rec := range records {
			if err := r.submit(ctx, entityType, rec, &report); err != nil {
				return report, err
			}
		}
		report.NextToken = next
		if next == "" {
			return report, nil
		}
	}
}

func (r Runner) submit(ctx context.Context, entityType string, rec Record, report *Report) error {
	cmd, err := createCommand(entityType, rec)
	if err != nil {
		report.Invalid++
		r.logf("backfill %s/%s: %v", entityType, rec.ID, err)
		return nil
	}
	result, err := r.Handler.Handle(ctx, cmd)
	switch {
	case err == nil && result.Duplicate:
		report.Duplicates++
	case err == nil:
		report.Created++
	case apperrors.HasCode(err, apperrors.CodeSequenceViolation), apperrors.HasCode(err, apperrors.CodeCommandRejected):
		report.Skipped++
	case apperrors.HasCode(err, apperrors.CodeValidation):
		report.Invalid++
		r.logf("backfill %s/%s: %v", entityType, rec.ID, err)
	default:
		return fmt.Errorf("backfill %s/%s: %w", entityType, rec.ID, err)
	}
	return nil
}

func createCommand(entityType string, rec Record) (command.Command, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return command.Command{}, event.ErrAggregateIDRequired
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	payload, err := json.Marshal(record.CreatePayload{Fields: fields})
	if err != nil {
		return command.Command{}, err
	}
	cmdID := CommandID(entityType, id)
	return command.Command{
		ID:          cmdID,
		Type:        record.CommandTypeCreate,
		Stream:      event.StreamID{AggregateType: entityType, AggregateID: id},
		PayloadJSON: payload,
		Metadata: event.Metadata{
			CorrelationID: cmdID,
			Source:        record.SourceBackfill,
		},
	}, nil
}

func (r Runner) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}
