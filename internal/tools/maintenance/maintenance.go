// Package maintenance implements operator commands against the ledger
// journal: integrity checks, outbox inspection and requeue, state
// reconstruction, snapshots, reconciliation and projection rebuilds.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/integrity"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/sqlite"
)

// Commands.
const (
	CommandVerify           = "verify"
	CommandOutboxReport     = "outbox-report"
	CommandOutboxRequeue    = "outbox-requeue"
	CommandPurgeDelivered   = "purge-delivered"
	CommandReconstruct      = "reconstruct"
	CommandSnapshot         = "snapshot"
	CommandReconcileList    = "reconcile-list"
	CommandReconcileResolve = "reconcile-resolve"
	CommandRebuild          = "rebuild"
	CommandBackfill         = "backfill"
)

var commands = []string{
	CommandVerify,
	CommandOutboxReport,
	CommandOutboxRequeue,
	CommandPurgeDelivered,
	CommandReconstruct,
	CommandSnapshot,
	CommandReconcileList,
	CommandReconcileResolve,
	CommandRebuild,
	CommandBackfill,
}

// Config holds maintenance command configuration.
type Config struct {
	Command           string
	EventsDBPath      string
	ProjectionsDBPath string
	Keyring           integrity.Config
	Timeout           time.Duration
	JSONOutput        bool

	Stream        string
	UntilRevision uint64

	OutboxStatus string
	Limit        int
	EventID      string
	OlderThan    time.Duration

	ReconcileStatus string
	ReconcileID     int64
	Note            string

	AfterPosition uint64

	SourcePath string
	EntityType string
	PageToken  string
	PageSize   int
}

type envConfig struct {
	EventsDBPath      string        `env:"LEDGER_EVENTS_DB_PATH" envDefault:"data/ledger-events.db"`
	ProjectionsDBPath string        `env:"LEDGER_PROJECTIONS_DB_PATH" envDefault:"data/ledger-projections.db"`
	Timeout           time.Duration `env:"LEDGER_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	Keyring           integrity.Config
}

// ParseConfig parses environment and flags into a Config. The command is
// the first positional argument.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg := Config{
		EventsDBPath:      envCfg.EventsDBPath,
		ProjectionsDBPath: envCfg.ProjectionsDBPath,
		Timeout:           envCfg.Timeout,
		Keyring:           envCfg.Keyring,
		Limit:             50,
		OlderThan:         7 * 24 * time.Hour,
		ReconcileStatus:   "open",
	}

	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "path to events sqlite database")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db-path", cfg.ProjectionsDBPath, "path to projections sqlite database")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.StringVar(&cfg.Stream, "stream", "", "stream as aggregate_type/aggregate_id")
	fs.Uint64Var(&cfg.UntilRevision, "until-revision", 0, "reconstruct up to this revision (0 = latest)")
	fs.StringVar(&cfg.OutboxStatus, "outbox-status", "", "optional outbox status filter (pending|processing|retry|delivered|failed)")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "max rows to list or requeue")
	fs.StringVar(&cfg.EventID, "event-id", "", "event id of a single failed outbox row to requeue")
	fs.DurationVar(&cfg.OlderThan, "older-than", cfg.OlderThan, "purge delivered outbox rows older than this")
	fs.StringVar(&cfg.ReconcileStatus, "reconcile-status", cfg.ReconcileStatus, "reconciliation status filter (open|resolved)")
	fs.Int64Var(&cfg.ReconcileID, "reconcile-id", 0, "reconciliation request id to resolve")
	fs.StringVar(&cfg.Note, "note", "", "resolution note")
	fs.Uint64Var(&cfg.AfterPosition, "after-position", 0, "rebuild projections after this global position")
	fs.StringVar(&cfg.SourcePath, "source", "", "JSON Lines export to backfill from")
	fs.StringVar(&cfg.EntityType, "entity-type", "", "aggregate type of backfilled records")
	fs.StringVar(&cfg.PageToken, "page-token", "", "resume a backfill from this page token")
	fs.IntVar(&cfg.PageSize, "page-size", 0, "records per backfill page")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		cfg.Command = strings.TrimSpace(fs.Arg(0))
	}
	if fs.NArg() > 1 {
		return Config{}, fmt.Errorf("unexpected arguments after %q: %v", cfg.Command, fs.Args()[1:])
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Command {
	case "":
		return fmt.Errorf("command is required (one of %s)", strings.Join(commands, ", "))
	case CommandVerify, CommandReconcileList:
	case CommandOutboxReport:
		if c.Limit <= 0 {
			return errors.New("-limit must be > 0")
		}
	case CommandOutboxRequeue:
		if strings.TrimSpace(c.EventID) == "" && c.Limit <= 0 {
			return errors.New("-limit must be > 0 when -event-id is not set")
		}
	case CommandPurgeDelivered:
		if c.OlderThan <= 0 {
			return errors.New("-older-than must be > 0")
		}
	case CommandReconstruct, CommandSnapshot:
		if strings.TrimSpace(c.Stream) == "" {
			return fmt.Errorf("-stream is required for %s", c.Command)
		}
	case CommandReconcileResolve:
		if c.ReconcileID <= 0 {
			return errors.New("-reconcile-id must be > 0")
		}
	case CommandRebuild:
	case CommandBackfill:
		if strings.TrimSpace(c.SourcePath) == "" {
			return errors.New("-source is required for backfill")
		}
		if strings.TrimSpace(c.EntityType) == "" {
			return errors.New("-entity-type is required for backfill")
		}
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}
	return nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	store, err := openEventStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close event store: %v\n", closeErr)
		}
	}()

	now := time.Now().UTC()
	switch cfg.Command {
	case CommandVerify:
		return runVerify(ctx, store, cfg.JSONOutput, out)
	case CommandOutboxReport:
		return runOutboxReport(ctx, store, cfg.OutboxStatus, cfg.Limit, cfg.JSONOutput, out)
	case CommandOutboxRequeue:
		return runOutboxRequeue(ctx, store, cfg.EventID, cfg.Limit, now, cfg.JSONOutput, out)
	case CommandPurgeDelivered:
		return runPurgeDelivered(ctx, store, now.Add(-cfg.OlderThan), cfg.JSONOutput, out)
	case CommandReconstruct:
		return runReconstruct(ctx, store, cfg.Stream, cfg.UntilRevision, out)
	case CommandSnapshot:
		return runSnapshot(ctx, store, cfg.Stream, now, cfg.JSONOutput, out)
	case CommandReconcileList:
		return runReconcileList(ctx, store, cfg.ReconcileStatus, cfg.Limit, cfg.JSONOutput, out)
	case CommandReconcileResolve:
		return runReconcileResolve(ctx, store, cfg.ReconcileID, cfg.Note, now, out)
	case CommandRebuild:
		readModel, err := openReadModel(cfg.ProjectionsDBPath)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := readModel.Close(); closeErr != nil {
				fmt.Fprintf(errOut, "Error: close projections store: %v\n", closeErr)
			}
		}()
		return runRebuild(ctx, store, readModel, cfg.AfterPosition, cfg.JSONOutput, out)
	case CommandBackfill:
		return runBackfill(ctx, store, cfg, errOut, out)
	}
	return fmt.Errorf("unknown command %q", cfg.Command)
}

func ensureDir(path string) (string, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))
	if cleanPath == "." || cleanPath == "" {
		return "", errors.New("db path is required")
	}
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create storage dir: %w", err)
		}
	}
	return cleanPath, nil
}

func openEventStore(cfg Config) (*sqlite.Store, error) {
	path, err := ensureDir(cfg.EventsDBPath)
	if err != nil {
		return nil, fmt.Errorf("events %w", err)
	}
	keyring, err := integrity.NewKeyringFromConfig(cfg.Keyring)
	if err != nil {
		return nil, err
	}
	_, events, err := record.Registries()
	if err != nil {
		return nil, fmt.Errorf("build registries: %w", err)
	}
	store, err := sqlite.OpenEvents(path, keyring, events)
	if err != nil {
		return nil, fmt.Errorf("open events store: %w", err)
	}
	return store, nil
}

func openReadModel(path string) (*sqlite.ReadModel, error) {
	cleanPath, err := ensureDir(path)
	if err != nil {
		return nil, fmt.Errorf("projections %w", err)
	}
	model, err := sqlite.OpenReadModel(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open projections store: %w", err)
	}
	return model, nil
}

func writeJSON(out io.Writer, report any) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}
