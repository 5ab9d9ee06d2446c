package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON re-encodes a JSON document with sorted object keys and no
// insignificant whitespace.
func CanonicalJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after json document")
	}
	// encoding/json sorts map keys, which gives the canonical ordering.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type hashEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
}

type chainEnvelope struct {
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`
	Revision uint64 `json:"revision"`
}

// EventHash computes the content hash of an event. Revision and position are
// excluded so the hash does not depend on where the store places the event.
func EventHash(evt Event) (string, error) {
	payload, err := CanonicalJSON(evt.PayloadJSON)
	if err != nil {
		return "", fmt.Errorf("canonical payload: %w", err)
	}
	data, err := json.Marshal(hashEnvelope{
		ID:            evt.ID,
		AggregateType: evt.Stream.AggregateType,
		AggregateID:   evt.Stream.AggregateID,
		Type:          string(evt.Type),
		SchemaVersion: evt.SchemaVersion,
		Timestamp:     evt.Timestamp.UTC().UnixNano(),
		Payload:       payload,
		Metadata:      evt.Metadata,
	})
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

// ChainHash links an event's content hash to its predecessor in the stream.
func ChainHash(evt Event, prevHash string) (string, error) {
	hash := evt.Hash
	if hash == "" {
		computed, err := EventHash(evt)
		if err != nil {
			return "", err
		}
		hash = computed
	}
	data, err := json.Marshal(chainEnvelope{Hash: hash, PrevHash: prevHash, Revision: evt.Revision})
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
