package maintenance

import (
	"context"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
	"github.com/louisbranch/ledger/internal/services/ledger/storage/sqlite"
)

// integrityVerifier walks the journal checking hash chains and signatures.
type integrityVerifier interface {
	VerifyIntegrity(ctx context.Context) (sqlite.IntegrityReport, error)
}

// eventSource pages through the journal in global position order.
type eventSource interface {
	ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]event.Event, error)
}

var (
	_ integrityVerifier           = (*sqlite.Store)(nil)
	_ eventSource                 = (*sqlite.Store)(nil)
	_ storage.OutboxStore         = (*sqlite.Store)(nil)
	_ storage.ReconciliationStore = (*sqlite.Store)(nil)
)
