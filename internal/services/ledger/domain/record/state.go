package record

import (
	"bytes"
	"encoding/json"
	"maps"
	"time"
)

// Fields holds a record's attributes as raw JSON values.
type Fields map[string]json.RawMessage

// Clone returns a copy that shares no map with f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// State is the reconstructed record.
type State struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Revision  int64     `json:"revision"`
	Exists    bool      `json:"exists"`
	Deleted   bool      `json:"deleted"`
	Fields    Fields    `json:"fields"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// StateVersion is bumped whenever the State encoding changes. Snapshots taken
// under another version are ignored.
const StateVersion = 1

// EncodeState serializes state for snapshots.
func EncodeState(state State) ([]byte, error) {
	return json.Marshal(state)
}

// DecodeState reverses EncodeState.
func DecodeState(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
