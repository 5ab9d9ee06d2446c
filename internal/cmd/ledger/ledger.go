// Package ledger parses ledger command flags and launches the ledger runtime.
package ledger

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/ledger/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/ledger/internal/platform/grpc"
	"github.com/louisbranch/ledger/internal/services/ledger/app"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/integrity"
	ledgerpostgres "github.com/louisbranch/ledger/internal/services/ledger/storage/postgres"
	ledgerredis "github.com/louisbranch/ledger/internal/services/ledger/storage/redis"
	"github.com/louisbranch/ledger/internal/services/ledger/transport/kafka"
)

// Config holds ledger command configuration.
type Config struct {
	HTTPAddr          string        `env:"LEDGER_HTTP_ADDR" envDefault:":8095"`
	GRPCAddr          string        `env:"LEDGER_GRPC_ADDR" envDefault:":8096"`
	EventsDBPath      string        `env:"LEDGER_EVENTS_DB_PATH" envDefault:"data/ledger-events.db"`
	ProjectionsDBPath string        `env:"LEDGER_PROJECTIONS_DB_PATH" envDefault:"data/ledger-projections.db"`
	ReadModel         string        `env:"LEDGER_READ_MODEL" envDefault:"sqlite"`
	Workers           int           `env:"LEDGER_DISPATCH_WORKERS" envDefault:"4"`
	BatchSize         int           `env:"LEDGER_DISPATCH_BATCH_SIZE" envDefault:"64"`
	PollInterval      time.Duration `env:"LEDGER_DISPATCH_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL          time.Duration `env:"LEDGER_DISPATCH_LEASE_TTL" envDefault:"2m"`
	MaxDelivery       int           `env:"LEDGER_DISPATCH_MAX_ATTEMPTS" envDefault:"8"`
	SnapshotInterval  int           `env:"LEDGER_SNAPSHOT_INTERVAL" envDefault:"500"`
	SnapshotQueue     int           `env:"LEDGER_SNAPSHOT_QUEUE" envDefault:"64"`
	CommandAttempts   int           `env:"LEDGER_COMMAND_MAX_ATTEMPTS" envDefault:"5"`
	CommandRetry      time.Duration `env:"LEDGER_COMMAND_RETRY_INTERVAL" envDefault:"25ms"`

	// HealthCheck probes a running ledger instead of starting one.
	HealthCheck bool

	Keyring  integrity.Config
	Redis    ledgerredis.Config
	Postgres ledgerpostgres.Config
	Kafka    kafka.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The ledger HTTP API address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "The ledger gRPC health server address")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "The event journal SQLite database path")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db-path", cfg.ProjectionsDBPath, "The projections SQLite database path")
	fs.StringVar(&cfg.ReadModel, "read-model", cfg.ReadModel, "Read model backend: sqlite, redis, postgres or memory")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Projection worker pool size")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Outbox rows claimed per dispatch pass")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Outbox poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Outbox lease duration")
	fs.IntVar(&cfg.MaxDelivery, "max-attempts", cfg.MaxDelivery, "Maximum delivery attempts before dead-letter")
	fs.IntVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "Events between snapshots, 0 disables")
	fs.IntVar(&cfg.CommandAttempts, "command-attempts", cfg.CommandAttempts, "Maximum attempts per command on conflict")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "Probe the gRPC health endpoint of a running ledger and exit")
	fs.StringVar(&cfg.Kafka.Brokers, "kafka-brokers", cfg.Kafka.Brokers, "Comma-separated Kafka brokers for broadcast")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RuntimeConfig maps the command configuration onto the runtime.
func (c Config) RuntimeConfig() app.RuntimeConfig {
	return app.RuntimeConfig{
		HTTPAddr:          c.HTTPAddr,
		GRPCAddr:          c.GRPCAddr,
		EventsDBPath:      c.EventsDBPath,
		ProjectionsDBPath: c.ProjectionsDBPath,
		ReadModel:         c.ReadModel,
		Redis:             c.Redis,
		Postgres:          c.Postgres,
		Kafka:             c.Kafka,
		Keyring:           c.Keyring,
		Workers:           c.Workers,
		BatchSize:         c.BatchSize,
		PollInterval:      c.PollInterval,
		LeaseTTL:          c.LeaseTTL,
		MaxDelivery:       c.MaxDelivery,
		SnapshotInterval:  c.SnapshotInterval,
		SnapshotQueue:     c.SnapshotQueue,
		CommandAttempts:   c.CommandAttempts,
		CommandRetry:      c.CommandRetry,
	}
}

const healthCheckTimeout = 5 * time.Second

// Run starts the ledger runtime, or probes one when HealthCheck is set.
func Run(ctx context.Context, cfg Config) error {
	if cfg.HealthCheck {
		return platformgrpc.Probe(ctx, probeAddr(cfg.GRPCAddr), app.HealthService, healthCheckTimeout, log.Printf)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLedger, func(ctx context.Context) error {
		return app.Run(ctx, cfg.RuntimeConfig())
	})
}

// probeAddr turns a listen address such as ":8096" into a dialable one.
func probeAddr(listen string) string {
	listen = strings.TrimSpace(listen)
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}
