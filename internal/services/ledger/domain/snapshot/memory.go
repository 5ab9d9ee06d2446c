package snapshot

import (
	"context"
	"sync"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

// Memory is an in-process snapshot store.
type Memory struct {
	mu    sync.Mutex
	snaps map[event.StreamID]storage.Snapshot
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{snaps: make(map[event.StreamID]storage.Snapshot)}
}

// SaveSnapshot keeps the newest snapshot per stream.
func (m *Memory) SaveSnapshot(ctx context.Context, snap storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.snaps[snap.Stream]; ok && existing.Revision > snap.Revision {
		return nil
	}
	snap.StateJSON = append([]byte(nil), snap.StateJSON...)
	m.snaps[snap.Stream] = snap
	return nil
}

// GetLatestSnapshot returns storage.ErrNotFound when the stream has none.
func (m *Memory) GetLatestSnapshot(ctx context.Context, stream event.StreamID) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[stream]
	if !ok {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return snap, nil
}
