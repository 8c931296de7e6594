package draft

import (
	"context"
	"sync"

	"postpilot/pkg/domain"
)

// MemoryStore keeps draft slots in-process for tests and local dev.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]Snapshot
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]Snapshot)}
}

// Put overwrites the slot.
func (m *MemoryStore) Put(_ context.Context, userID string, ct domain.ContentType, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slotKey(userID, ct)] = snap
	return nil
}

// Get reads the slot.
func (m *MemoryStore) Get(_ context.Context, userID string, ct domain.ContentType) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.slots[slotKey(userID, ct)]
	return snap, ok, nil
}

// Delete removes the slot.
func (m *MemoryStore) Delete(_ context.Context, userID string, ct domain.ContentType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, slotKey(userID, ct))
	return nil
}
