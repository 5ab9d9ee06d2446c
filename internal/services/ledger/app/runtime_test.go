package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	platformgrpc "github.com/louisbranch/ledger/internal/platform/grpc"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/record"
	"github.com/louisbranch/ledger/internal/services/ledger/projection"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/integrity"
	ledgerredis "github.com/louisbranch/ledger/internal/services/ledger/storage/redis"
)

func testConfig(t *testing.T) RuntimeConfig {
	t.Helper()
	dir := t.TempDir()
	return RuntimeConfig{
		EventsDBPath:      filepath.Join(dir, "events.db"),
		ProjectionsDBPath: filepath.Join(dir, "projections.db"),
		Keyring:           integrity.Config{Key: "runtime-test"},
		PollInterval:      20 * time.Millisecond,
		SnapshotInterval:  2,
		CommandRetry:      time.Millisecond,
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return lis
}

func TestBuildRequiresKeyring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keyring = integrity.Config{}
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatal("expected missing keyring to fail")
	}
}

func TestBuildRejectsUnknownReadModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadModel = "cassandra"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatal("expected unknown read model to fail")
	}
}

func TestBuildWithRedisReadModel(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.ReadModel = ReadModelRedis
	cfg.Redis = ledgerredis.Config{URL: "redis://" + mr.Addr(), Prefix: "rt"}
	rt, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()
	if _, ok := rt.ReadModel.(*ledgerredis.ReadModel); !ok {
		t.Fatalf("read model = %T, want redis", rt.ReadModel)
	}
}

func TestServeProjectsCommandsAndReportsHealth(t *testing.T) {
	rt, err := Build(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpLis, grpcLis := listen(t), listen(t)
	done := make(chan error, 1)
	go func() { done <- rt.serve(ctx, httpLis, grpcLis) }()

	stream := event.StreamID{AggregateType: "customer", AggregateID: "42"}
	for i, cmd := range []command.Command{
		{ID: "c1", Type: record.CommandTypeCreate, Stream: stream, PayloadJSON: []byte(`{"fields":{"name":"Ada"}}`)},
		{ID: "c2", Type: record.CommandTypeUpdate, Stream: stream, PayloadJSON: []byte(`{"fields":{"tier":"gold"}}`)},
	} {
		if _, err := rt.Handler.Handle(ctx, cmd); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		row, err := rt.ReadModel.Get(ctx, projection.KeyOf(stream))
		if err == nil && row.Revision == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("row not projected: %+v %v", row, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", httpLis.Addr()))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	if err := platformgrpc.Probe(ctx, grpcLis.Addr().String(), HealthService, 2*time.Second, nil); err != nil {
		t.Fatalf("health probe: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	snap, err := rt.Store.GetLatestSnapshot(context.Background(), stream)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Revision != 2 {
		t.Fatalf("snapshot revision = %d, want 2", snap.Revision)
	}
	summary, err := rt.Store.OutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Counts[storage.OutboxDelivered] != 2 {
		t.Fatalf("delivered = %d, want 2", summary.Counts[storage.OutboxDelivered])
	}
}
