package ledger

import (
	"flag"
	"io"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	t.Setenv("LEDGER_HTTP_ADDR", ":9000")
	t.Setenv("LEDGER_EVENT_HMAC_KEY", "secret")
	t.Setenv("LEDGER_REDIS_URL", "redis://cache:6379/0")

	cfg, err := ParseConfig(fs, []string{"-workers", "8", "-read-model", "redis", "-poll-interval", "500ms"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("http addr = %q, want :9000", cfg.HTTPAddr)
	}
	if cfg.Workers != 8 || cfg.ReadModel != "redis" || cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected flag values %+v", cfg)
	}
	if cfg.Keyring.Key != "secret" || cfg.Keyring.KeyID != "v1" {
		t.Fatalf("keyring = %+v", cfg.Keyring)
	}
	if cfg.Redis.URL != "redis://cache:6379/0" || cfg.Redis.Prefix != "ledger" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Kafka.Topic != "ledger.events" {
		t.Fatalf("kafka topic = %q", cfg.Kafka.Topic)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(flag.NewFlagSet("ledger", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	rt := cfg.RuntimeConfig()
	if rt.BatchSize != 64 || rt.MaxDelivery != 8 || rt.SnapshotInterval != 500 || rt.CommandRetry != 25*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", rt)
	}
	if rt.ReadModel != "sqlite" || rt.EventsDBPath != "data/ledger-events.db" {
		t.Fatalf("unexpected storage defaults %+v", rt)
	}
}

func TestParseConfig_RejectsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := ParseConfig(fs, []string{"-nope"}); err == nil {
		t.Fatal("expected unknown flag to fail")
	}
}


func TestProbeAddr(t *testing.T) {
	tests := map[string]string{
		":8096":        "127.0.0.1:8096",
		"ledger:8096":  "ledger:8096",
		" 10.0.0.1:1 ": "10.0.0.1:1",
	}
	for in, want := range tests {
		if got := probeAddr(in); got != want {
			t.Fatalf("probeAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseConfig_HealthCheckFlag(t *testing.T) {
	cfg, err := ParseConfig(flag.NewFlagSet("ledger", flag.ContinueOnError), []string{"-healthcheck", "-grpc-addr", ":1"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if !cfg.HealthCheck || cfg.GRPCAddr != ":1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
