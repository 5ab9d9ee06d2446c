package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/ledger/internal/platform/timeouts"
	"github.com/louisbranch/ledger/internal/services/ledger/api/httpapi"
	"github.com/louisbranch/ledger/internal/services/ledger/dispatch"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/engine"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/snapshot"
	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/integrity"
	ledgerpostgres "github.com/louisbranch/ledger/internal/services/ledger/storage/postgres"
	ledgerredis "github.com/louisbranch/ledger/internal/services/ledger/storage/redis"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/sqlite"
	"github.com/louisbranch/ledger/internal/services/ledger/transport/kafka"
)

// RuntimeConfig controls ledger startup, storage backends and loop behavior.
type RuntimeConfig struct {
	HTTPAddr          string
	GRPCAddr          string
	EventsDBPath      string
	ProjectionsDBPath string
	ReadModel         string
	Redis             ledgerredis.Config
	Postgres          ledgerpostgres.Config
	Kafka             kafka.Config
	Keyring           integrity.Config

	Workers          int
	BatchSize        int
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	MaxDelivery      int
	SnapshotInterval int
	SnapshotQueue    int
	CommandAttempts  int
	CommandRetry     time.Duration
}

const (
	defaultHTTPAddr      = ":8095"
	defaultGRPCAddr      = ":8096"
	defaultEventsDB      = "data/ledger-events.db"
	defaultProjectionsDB = "data/ledger-projections.db"
	defaultWorkers       = 4
)

// HealthService is the gRPC health service name the dispatcher reports under.
const HealthService = "ledger.dispatcher"

func (c RuntimeConfig) normalized() RuntimeConfig {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		c.GRPCAddr = defaultGRPCAddr
	}
	if strings.TrimSpace(c.EventsDBPath) == "" {
		c.EventsDBPath = defaultEventsDB
	}
	if strings.TrimSpace(c.ProjectionsDBPath) == "" {
		c.ProjectionsDBPath = defaultProjectionsDB
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.SnapshotInterval < 0 {
		c.SnapshotInterval = 0
	}
	return c
}

// Runtime holds the assembled ledger components.
type Runtime struct {
	cfg RuntimeConfig

	Store      *sqlite.Store
	ReadModel  projection.ReadModel
	Handler    engine.Handler
	Dispatcher *dispatch.Dispatcher
	Snapshots  *snapshot.Writer
	Router     http.Handler

	pool      *dispatch.Pool
	publisher *kafka.Publisher
	closers   []func()
}

// Build opens storage and wires every component without starting any loop.
func Build(ctx context.Context, cfg RuntimeConfig) (_ *Runtime, err error) {
	cfg = cfg.normalized()
	rt := &Runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	for _, path := range []string{cfg.EventsDBPath, cfg.ProjectionsDBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create ledger storage dir: %w", err)
			}
		}
	}

	commands, events, err := record.Registries()
	if err != nil {
		return nil, fmt.Errorf("build registries: %w", err)
	}
	keyring, err := integrity.NewKeyringFromConfig(cfg.Keyring)
	if err != nil {
		return nil, fmt.Errorf("load event integrity keyring: %w", err)
	}
	store, err := sqlite.OpenEvents(cfg.EventsDBPath, keyring, events)
	if err != nil {
		return nil, fmt.Errorf("open events sqlite store: %w", err)
	}
	rt.Store = store
	rt.closers = append(rt.closers, func() {
		if err := store.Close(); err != nil {
			log.Printf("close events sqlite store: %v", err)
		}
	})

	rm, err := openReadModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.ReadModel = rm.model
	rt.closers = append(rt.closers, rm.close)

	applier := projection.NewApplier(rm.model)
	if err := projection.RegisterRecordHandlers(applier); err != nil {
		return nil, fmt.Errorf("register projections: %w", err)
	}
	sink := dispatch.MultiSink{Projection: applier}
	if cfg.Kafka.Enabled() {
		publisher, err := kafka.NewPublisher(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		rt.publisher = publisher
		sink.Broadcast = publisher
	}

	rt.pool = dispatch.NewPool(cfg.Workers, sink, timeouts.Delivery)
	rt.Dispatcher = dispatch.NewDispatcher(store, rt.pool, dispatch.Config{
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		Lease:        cfg.LeaseTTL,
		MaxAttempts:  cfg.MaxDelivery,
		Logf:         log.Printf,
	})

	var policy snapshot.Policy = snapshot.Never{}
	if cfg.SnapshotInterval > 0 {
		policy = snapshot.EveryN(cfg.SnapshotInterval)
	}
	rt.Snapshots = snapshot.NewWriter(store, snapshot.WithQueueSize(cfg.SnapshotQueue), snapshot.WithLogf(log.Printf))

	reconstructor := engine.Reconstructor{Events: store, Snapshots: store, Logf: log.Printf}
	rt.Handler = engine.Handler{
		Commands:       commands,
		Events:         events,
		Store:          store,
		Reconstructor:  reconstructor,
		Decider:        record.Decider{},
		Reconciler:     store,
		SnapshotWriter: rt.Snapshots,
		Policy:         policy,
		Dispatcher:     rt.Dispatcher,
		MaxAttempts:    cfg.CommandAttempts,
		RetryInterval:  cfg.CommandRetry,
		Logf:           log.Printf,
	}

	rt.Router = httpapi.NewRouter(httpapi.Options{
		Commands:  rt.Handler,
		Streams:   reconstructor,
		Outbox:    store,
		ReadModel: rm.model,
		Ready:     rt.ready(rm.ping),
	})
	return rt, nil
}

func (rt *Runtime) ready(readModelPing func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := rt.Store.DB().PingContext(ctx); err != nil {
			return fmt.Errorf("events store: %w", err)
		}
		if readModelPing != nil {
			if err := readModelPing(ctx); err != nil {
				return fmt.Errorf("read model: %w", err)
			}
		}
		if rt.publisher != nil {
			if err := kafka.ReadyCheck(rt.cfg.Kafka.Brokers)(ctx); err != nil {
				return fmt.Errorf("kafka: %w", err)
			}
		}
		return nil
	}
}

// Close releases storage and transports in reverse order of opening.
func (rt *Runtime) Close() {
	if rt.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		if err := rt.Snapshots.Close(ctx); err != nil {
			log.Printf("drain snapshot writer: %v", err)
		}
		cancel()
	}
	if rt.publisher != nil {
		if err := rt.publisher.Close(); err != nil {
			log.Printf("close kafka publisher: %v", err)
		}
		rt.publisher = nil
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Serve runs the dispatcher and both servers until ctx ends, then drains the
// pool and the snapshot writer.
func (rt *Runtime) Serve(ctx context.Context) error {
	httpListener, err := net.Listen("tcp", rt.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on http addr %s: %w", rt.cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", rt.cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("listen on grpc addr %s: %w", rt.cfg.GRPCAddr, err)
	}
	return rt.serve(ctx, httpListener, grpcListener)
}

func (rt *Runtime) serve(ctx context.Context, httpListener, grpcListener net.Listener) error {
	httpServer := &http.Server{
		Handler:           rt.Router,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	rt.pool.Start(ctx)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return rt.Dispatcher.Run(gctx)
	})
	group.Go(func() error {
		log.Printf("ledger http listening at %v", httpListener.Addr())
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Printf("ledger grpc health listening at %v", grpcListener.Addr())
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown http: %v", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	err := group.Wait()
	rt.pool.Stop()
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
	defer cancel()
	if closeErr := rt.Snapshots.Close(drainCtx); closeErr != nil {
		log.Printf("drain snapshot writer: %v", closeErr)
	}
	if dropped := rt.Snapshots.Dropped(); dropped > 0 {
		log.Printf("snapshot writer dropped %d snapshots", dropped)
	}
	return err
}

// Run builds the runtime and serves until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Serve(ctx)
}
