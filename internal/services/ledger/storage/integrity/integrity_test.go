package integrity

import (
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	ring, err := NewKeyring(map[string][]byte{"v1": []byte("one"), "v2": []byte("two")}, "v2")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return ring
}

func sampleEvent(revision uint64) event.Event {
	return event.Event{
		ID:            "evt",
		Stream:        event.StreamID{AggregateType: "customer", AggregateID: "7"},
		Type:          "record.created",
		Revision:      revision,
		SchemaVersion: 1,
		Timestamp:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PayloadJSON:   []byte(`{"fields":{}}`),
	}
}

func TestSealThenCheck(t *testing.T) {
	ring := testKeyring(t)
	first, err := ring.Seal(sampleEvent(1), "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	second, err := ring.Seal(sampleEvent(2), first.ChainHash)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if second.SignatureKeyID != "v2" {
		t.Fatalf("key id = %s", second.SignatureKeyID)
	}
	if err := ring.Check(first, ""); err != nil {
		t.Fatalf("check first: %v", err)
	}
	if err := ring.Check(second, first.ChainHash); err != nil {
		t.Fatalf("check second: %v", err)
	}
}

func TestCheckDetectsTampering(t *testing.T) {
	ring := testKeyring(t)
	sealed, err := ring.Seal(sampleEvent(1), "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	edited := sealed
	edited.PayloadJSON = []byte(`{"fields":{"x":1}}`)
	if err := ring.Check(edited, ""); err == nil {
		t.Fatal("expected payload edit to fail")
	}

	moved := sealed
	moved.Revision = 2
	if err := ring.Check(moved, ""); err == nil {
		t.Fatal("expected revision change to fail")
	}

	if err := ring.Check(sealed, "other"); err == nil {
		t.Fatal("expected predecessor mismatch to fail")
	}
}

func TestVerifyUsesStreamScopedKeys(t *testing.T) {
	ring := testKeyring(t)
	sig, keyID, err := ring.Sign(event.StreamID{AggregateType: "a", AggregateID: "1"}, "hash")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	err = ring.Verify(event.StreamID{AggregateType: "a", AggregateID: "2"}, "hash", sig, keyID)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch for other stream, got %v", err)
	}
	if err := ring.Verify(event.StreamID{AggregateType: "a", AggregateID: "1"}, "hash", sig, "v9"); err == nil {
		t.Fatal("expected unknown key id error")
	}
}

func TestRetiredKeyStillVerifies(t *testing.T) {
	old, _ := NewKeyring(map[string][]byte{"v1": []byte("one")}, "v1")
	sealed, err := old.Seal(sampleEvent(1), "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := testKeyring(t).Check(sealed, ""); err != nil {
		t.Fatalf("rotated ring should verify v1 signatures: %v", err)
	}
}

func TestNewKeyringFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantID  string
		wantErr bool
	}{
		{name: "missing", cfg: Config{}, wantErr: true},
		{name: "single key default id", cfg: Config{Key: "secret", KeyID: " "}, wantID: "v1"},
		{name: "key spec", cfg: Config{Keys: "k1=one, ,k2=two", KeyID: "k2"}, wantID: "k2"},
		{name: "bad entry", cfg: Config{Keys: "bad-entry", KeyID: "k1"}, wantErr: true},
		{name: "empty value", cfg: Config{Keys: "k1=one,k2=", KeyID: "k1"}, wantErr: true},
		{name: "inactive id", cfg: Config{Keys: "k1=one", KeyID: "k3"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring, err := NewKeyringFromConfig(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("keyring: %v", err)
			}
			if ring.ActiveKeyID() != tt.wantID {
				t.Fatalf("active id = %s", ring.ActiveKeyID())
			}
		})
	}
}
