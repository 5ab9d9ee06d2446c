package projection

import (
	"context"
	"sync"

	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// Memory is an in-process ReadModel for tests and tooling.
type Memory struct {
	mu   sync.Mutex
	rows map[Key]Row
}

// NewMemory returns an empty Memory read model.
func NewMemory() *Memory {
	return &Memory{rows: make(map[Key]Row)}
}

// Upsert implements ReadModel.
func (m *Memory) Upsert(_ context.Context, row Row) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[row.Key]; ok && existing.Revision >= row.Revision {
		return false, nil
	}
	row.DataJSON = append([]byte(nil), row.DataJSON...)
	m.rows[row.Key] = row
	return true, nil
}

// Get implements ReadModel.
func (m *Memory) Get(_ context.Context, key Key) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return Row{}, storage.ErrNotFound
	}
	return row, nil
}

// Len returns the number of stored rows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
