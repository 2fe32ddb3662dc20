package contentstore

import (
	"context"
	"sync"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// MemoryStore is an in-process Store for tests and development registries.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[protocol.Digest][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[protocol.Digest][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, data []byte) (protocol.Digest, error) {
	d := protocol.DigestOf(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[d]; !ok {
		m.objects[d] = append([]byte(nil), data...)
	}
	return d, nil
}

func (m *MemoryStore) Get(_ context.Context, d protocol.Digest) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.objects[d]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return verify(d, append([]byte(nil), data...))
}

func (m *MemoryStore) Has(_ context.Context, d protocol.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[d]
	return ok, nil
}

func (m *MemoryStore) Name() string { return "mem://" }

// Len returns the number of distinct objects held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Corrupt overwrites the bytes stored under d. It exists for tests that
// exercise fail-closed reads.
func (m *MemoryStore) Corrupt(d protocol.Digest, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[d] = append([]byte(nil), data...)
}
