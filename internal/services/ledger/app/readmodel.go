package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	ledgerpostgres "github.com/louisbranch/ledger/internal/services/ledger/storage/postgres"
	ledgerredis "github.com/louisbranch/ledger/internal/services/ledger/storage/redis"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/sqlite"
)

// Read model backends.
const (
	ReadModelSQLite   = "sqlite"
	ReadModelRedis    = "redis"
	ReadModelPostgres = "postgres"
	ReadModelMemory   = "memory"
)

type readModel struct {
	model projection.ReadModel
	ping  func(context.Context) error
	close func()
}

func openReadModel(ctx context.Context, cfg RuntimeConfig) (readModel, error) {
	switch backend := strings.ToLower(strings.TrimSpace(cfg.ReadModel)); backend {
	case "", ReadModelSQLite:
		model, err := sqlite.OpenReadModel(cfg.ProjectionsDBPath)
		if err != nil {
			return readModel{}, fmt.Errorf("open projections sqlite store: %w", err)
		}
		return readModel{
			model: model,
			close: func() {
				if err := model.Close(); err != nil {
					log.Printf("close projections sqlite store: %v", err)
				}
			},
		}, nil
	case ReadModelRedis:
		model, err := ledgerredis.Open(ctx, cfg.Redis)
		if err != nil {
			return readModel{}, fmt.Errorf("open redis read model: %w", err)
		}
		return readModel{
			model: model,
			ping:  model.Ping,
			close: func() {
				if err := model.Close(); err != nil {
					log.Printf("close redis read model: %v", err)
				}
			},
		}, nil
	case ReadModelPostgres:
		model, err := ledgerpostgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return readModel{}, fmt.Errorf("open postgres read model: %w", err)
		}
		return readModel{model: model, ping: model.Ping, close: model.Close}, nil
	case ReadModelMemory:
		return readModel{model: projection.NewMemory(), close: func() {}}, nil
	default:
		return readModel{}, fmt.Errorf("unknown read model backend %q", backend)
	}
}
