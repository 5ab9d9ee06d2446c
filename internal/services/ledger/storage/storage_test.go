package storage

import (
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

func TestConflictErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("append: %w", &ConflictError{
		Stream:   event.StreamID{AggregateType: "customer", AggregateID: "1"},
		Expected: 2,
		Actual:   3,
	})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatal("expected conflict to match sentinel")
	}
	if !apperrors.HasCode(err, apperrors.CodeConcurrencyConflict) {
		t.Fatal("expected conflict code")
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Actual != 3 {
		t.Fatalf("expected conflict details, got %v", err)
	}
}

func TestParseOutboxStatus(t *testing.T) {
	for _, s := range []string{"pending", "processing", "retry", "delivered", "failed"} {
		if _, err := ParseOutboxStatus(s); err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
	}
	if _, err := ParseOutboxStatus("dead"); err == nil {
		t.Fatal("expected unknown status error")
	}
}
