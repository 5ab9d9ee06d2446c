// Package main provides ledger maintenance utilities.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	entrypoint "github.com/louisbranch/ledger/internal/platform/cmd"
	"github.com/louisbranch/ledger/internal/platform/config"
	"github.com/louisbranch/ledger/internal/tools/maintenance"
)

func main() {
	cfg, err := maintenance.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	run := func(ctx context.Context) error {
		return maintenance.Run(ctx, cfg, os.Stdout, os.Stderr)
	}
	opts := entrypoint.RunOptions{ShutdownTimeout: 2 * time.Second}
	if err := entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceMaintenance, opts, run); err != nil {
		config.Exitf("Error: %v", err)
	}
}
