package integrity

import (
	"fmt"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

// Seal fills the integrity fields of evt, which must already carry its final
// revision, linking it to prevChainHash.
func (k *Keyring) Seal(evt event.Event, prevChainHash string) (event.Event, error) {
	hash, err := event.EventHash(evt)
	if err != nil {
		return event.Event{}, fmt.Errorf("compute event hash: %w", err)
	}
	evt.Hash = hash
	evt.PrevHash = prevChainHash
	chainHash, err := event.ChainHash(evt, prevChainHash)
	if err != nil {
		return event.Event{}, fmt.Errorf("compute chain hash: %w", err)
	}
	signature, keyID, err := k.Sign(evt.Stream, chainHash)
	if err != nil {
		return event.Event{}, fmt.Errorf("sign chain hash: %w", err)
	}
	evt.ChainHash = chainHash
	evt.Signature = signature
	evt.SignatureKeyID = keyID
	return evt, nil
}

// Check recomputes the hashes of a stored event and verifies its signature.
func (k *Keyring) Check(evt event.Event, prevChainHash string) error {
	if evt.PrevHash != prevChainHash {
		return fmt.Errorf("revision %d: prev hash does not match predecessor", evt.Revision)
	}
	hash, err := event.EventHash(evt)
	if err != nil {
		return fmt.Errorf("revision %d: %w", evt.Revision, err)
	}
	if hash != evt.Hash {
		return fmt.Errorf("revision %d: event hash mismatch", evt.Revision)
	}
	chainHash, err := event.ChainHash(evt, prevChainHash)
	if err != nil {
		return fmt.Errorf("revision %d: %w", evt.Revision, err)
	}
	if chainHash != evt.ChainHash {
		return fmt.Errorf("revision %d: chain hash mismatch", evt.Revision)
	}
	if err := k.Verify(evt.Stream, evt.ChainHash, evt.Signature, evt.SignatureKeyID); err != nil {
		return fmt.Errorf("revision %d: %w", evt.Revision, err)
	}
	return nil
}
