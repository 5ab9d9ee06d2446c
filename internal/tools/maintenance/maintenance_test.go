package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/integrity"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"verify"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Command != CommandVerify {
		t.Fatalf("command = %q, want verify", cfg.Command)
	}
	if cfg.EventsDBPath != "data/ledger-events.db" {
		t.Fatalf("expected default events db path, got %q", cfg.EventsDBPath)
	}
	if cfg.Limit != 50 || cfg.Timeout != 10*time.Minute || cfg.ReconcileStatus != "open" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("LEDGER_EVENTS_DB_PATH", "env-events")
	t.Setenv("LEDGER_EVENT_HMAC_KEY", "env-key")
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-limit", "5", "-json", "-stream", "customer/1", "reconstruct"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.EventsDBPath != "env-events" || cfg.Keyring.Key != "env-key" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Limit != 5 || !cfg.JSONOutput || cfg.Stream != "customer/1" || cfg.Command != CommandReconstruct {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestParseConfigRejectsExtraArgs(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := ParseConfig(fs, []string{"verify", "extra"}); err == nil {
		t.Fatal("expected extra positional args to fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing command", cfg: Config{}, wantErr: "command is required"},
		{name: "unknown command", cfg: Config{Command: "explode"}, wantErr: "unknown command"},
		{name: "report limit", cfg: Config{Command: CommandOutboxReport}, wantErr: "-limit"},
		{name: "requeue batch limit", cfg: Config{Command: CommandOutboxRequeue}, wantErr: "-limit"},
		{name: "requeue single", cfg: Config{Command: CommandOutboxRequeue, EventID: "e1"}},
		{name: "purge window", cfg: Config{Command: CommandPurgeDelivered}, wantErr: "-older-than"},
		{name: "reconstruct stream", cfg: Config{Command: CommandReconstruct}, wantErr: "-stream"},
		{name: "snapshot stream", cfg: Config{Command: CommandSnapshot}, wantErr: "-stream"},
		{name: "resolve id", cfg: Config{Command: CommandReconcileResolve}, wantErr: "-reconcile-id"},
		{name: "backfill source", cfg: Config{Command: CommandBackfill, EntityType: "customer"}, wantErr: "-source"},
		{name: "backfill entity", cfg: Config{Command: CommandBackfill, SourcePath: "x.jsonl"}, wantErr: "-entity-type"},
		{name: "verify", cfg: Config{Command: CommandVerify}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func baseConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		EventsDBPath:      filepath.Join(dir, "events.db"),
		ProjectionsDBPath: filepath.Join(dir, "projections.db"),
		Keyring:           integrity.Config{Key: "maintenance-test", KeyID: "v1"},
		Limit:             50,
		OlderThan:         time.Hour,
		ReconcileStatus:   "open",
	}
}

func run(t *testing.T, cfg Config, command string) string {
	t.Helper()
	cfg.Command = command
	var out, errOut bytes.Buffer
	if err := Run(context.Background(), cfg, &out, &errOut); err != nil {
		t.Fatalf("%s: %v (stderr: %s)", command, err, errOut.String())
	}
	return out.String()
}

func TestRunEndToEnd(t *testing.T) {
	cfg := baseConfig(t)
	source := filepath.Join(t.TempDir(), "customers.jsonl")
	lines := strings.Join([]string{
		`{"id":"1","fields":{"name":"Ada"}}`,
		`{"id":"2","fields":{"name":"Grace"}}`,
		`{"id":"3","fields":{"name":"Edsger"}}`,
	}, "\n")
	if err := os.WriteFile(source, []byte(lines), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	cfg.SourcePath = source
	cfg.EntityType = "customer"
	cfg.PageSize = 2
	cfg.JSONOutput = true

	var report struct {
		Pages   int
		Created int
	}
	if err := json.Unmarshal([]byte(run(t, cfg, CommandBackfill)), &report); err != nil {
		t.Fatalf("decode backfill report: %v", err)
	}
	if report.Created != 3 || report.Pages != 2 {
		t.Fatalf("backfill report = %+v", report)
	}

	var verify verifyReport
	if err := json.Unmarshal([]byte(run(t, cfg, CommandVerify)), &verify); err != nil {
		t.Fatalf("decode verify report: %v", err)
	}
	if verify.Streams != 3 || verify.Events != 3 {
		t.Fatalf("verify report = %+v", verify)
	}

	var outbox outboxReport
	if err := json.Unmarshal([]byte(run(t, cfg, CommandOutboxReport)), &outbox); err != nil {
		t.Fatalf("decode outbox report: %v", err)
	}
	if outbox.Counts["pending"] != 3 || len(outbox.Rows) != 3 {
		t.Fatalf("outbox report = %+v", outbox)
	}

	var rebuild rebuildReport
	if err := json.Unmarshal([]byte(run(t, cfg, CommandRebuild)), &rebuild); err != nil {
		t.Fatalf("decode rebuild report: %v", err)
	}
	if rebuild.Applied != 3 || rebuild.LastPosition != 3 {
		t.Fatalf("rebuild report = %+v", rebuild)
	}

	cfg.Stream = "customer/2"
	var snap snapshotReport
	if err := json.Unmarshal([]byte(run(t, cfg, CommandSnapshot)), &snap); err != nil {
		t.Fatalf("decode snapshot report: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("snapshot report = %+v", snap)
	}

	var state record.State
	if err := json.Unmarshal([]byte(run(t, cfg, CommandReconstruct)), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Source != record.SourceBackfill || string(state.Fields["name"]) != `"Grace"` {
		t.Fatalf("state = %+v", state)
	}

	again := run(t, cfg, CommandBackfill)
	if !strings.Contains(again, `"Duplicates":3`) {
		t.Fatalf("expected rerun to report duplicates, got %s", again)
	}
}

func TestRunOutboxRequeueUnknownEvent(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Command = CommandOutboxRequeue
	cfg.EventID = "missing"
	err := Run(context.Background(), cfg, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected missing row error, got %v", err)
	}
}

func TestRunReconcileListText(t *testing.T) {
	cfg := baseConfig(t)
	out := run(t, cfg, CommandReconcileList)
	if !strings.Contains(out, "Reconciliation requests (status=open, limit=50): 0") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRunRequiresKeyring(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Keyring = integrity.Config{}
	cfg.Command = CommandVerify
	if err := Run(context.Background(), cfg, io.Discard, io.Discard); err == nil {
		t.Fatal("expected missing keyring to fail")
	}
}
