package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port int `env:"LEDGER_TEST_PORT" envDefault:"123"`
}

type prefixedTestConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	Workers      int           `env:"WORKERS" envDefault:"4"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("LEDGER_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvWithPrefixReadsPrefixedNames(t *testing.T) {
	t.Setenv("LEDGER_DISPATCH_WORKERS", "9")

	var cfg prefixedTestConfig
	if err := ParseEnvWithPrefix(&cfg, "LEDGER_DISPATCH_"); err != nil {
		t.Fatalf("parse env with prefix: %v", err)
	}
	if cfg.Workers != 9 {
		t.Fatalf("workers = %d, want 9", cfg.Workers)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("poll interval = %s, want 2s", cfg.PollInterval)
	}
}
