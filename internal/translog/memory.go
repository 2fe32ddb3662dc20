package translog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/mod/sumdb/tlog"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is useful for tests and for single-process registries that do not need
// the log to survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	leaves      []Leaf
	hashes      []tlog.Hash
	byPackage   map[protocol.PackageID][]int64
	checkpoints []*protocol.SignedCheckpoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byPackage: make(map[protocol.PackageID][]int64)}
}

// AppendLeaves implements Store.
func (m *MemoryStore) AppendLeaves(_ context.Context, leaves []Leaf) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := int64(len(m.leaves))
	hashes := m.hashes
	reader := tlog.HashReaderFunc(func(indexes []int64) ([]tlog.Hash, error) {
		out := make([]tlog.Hash, len(indexes))
		for i, x := range indexes {
			if x < 0 || x >= int64(len(hashes)) {
				return nil, fmt.Errorf("hash index %d out of range", x)
			}
			out[i] = hashes[x]
		}
		return out, nil
	})
	for i, leaf := range leaves {
		hs, err := tlog.StoredHashes(start+int64(i), leaf.Data, reader)
		if err != nil {
			return 0, fmt.Errorf("compute stored hashes: %w", err)
		}
		hashes = append(hashes, hs...)
	}

	// Commit only once every hash was computed.
	m.hashes = hashes
	for i, leaf := range leaves {
		leaf.Index = start + int64(i)
		leaf.Data = append([]byte(nil), leaf.Data...)
		m.leaves = append(m.leaves, leaf)
		m.byPackage[leaf.Package] = append(m.byPackage[leaf.Package], leaf.Index)
	}
	return start, nil
}

// Size implements Store.
func (m *MemoryStore) Size(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.leaves)), nil
}

// ReadHashes implements Store.
func (m *MemoryStore) ReadHashes(_ context.Context, indexes []int64) ([]tlog.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tlog.Hash, len(indexes))
	for i, x := range indexes {
		if x < 0 || x >= int64(len(m.hashes)) {
			return nil, fmt.Errorf("hash index %d out of range", x)
		}
		out[i] = m.hashes[x]
	}
	return out, nil
}

// Leaf implements Store.
func (m *MemoryStore) Leaf(_ context.Context, index int64) (*Leaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= int64(len(m.leaves)) {
		return nil, fmt.Errorf("leaf %d: %w", index, ErrNotFound)
	}
	l := m.leaves[index]
	return &l, nil
}

// PackageLeaves implements Store.
func (m *MemoryStore) PackageLeaves(_ context.Context, pkg protocol.PackageID, fromSeq uint64, size int64) ([]Leaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Leaf
	for _, idx := range m.byPackage[pkg] {
		l := m.leaves[idx]
		if l.Sequence >= fromSeq && l.Index < size {
			out = append(out, l)
		}
	}
	return out, nil
}

// PackageHead implements Store.
func (m *MemoryStore) PackageHead(_ context.Context, pkg protocol.PackageID) (*Leaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idxs := m.byPackage[pkg]
	if len(idxs) == 0 {
		return nil, fmt.Errorf("package %s: %w", pkg, ErrNotFound)
	}
	l := m.leaves[idxs[len(idxs)-1]]
	return &l, nil
}

// PackageHeads implements Store.
func (m *MemoryStore) PackageHeads(_ context.Context, size int64) ([]Leaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Leaf
	for _, idxs := range m.byPackage {
		// Indexes grow with sequence, so the last one below size is the head.
		for i := len(idxs) - 1; i >= 0; i-- {
			if idxs[i] < size {
				out = append(out, m.leaves[idxs[i]])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out, nil
}

// Packages implements Store.
func (m *MemoryStore) Packages(_ context.Context) ([]protocol.PackageID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.PackageID, 0, len(m.byPackage))
	for pkg := range m.byPackage {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// PutCheckpoint implements Store.
func (m *MemoryStore) PutCheckpoint(_ context.Context, cp *protocol.SignedCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.checkpoints); n > 0 && m.checkpoints[n-1].Checkpoint.Length >= cp.Checkpoint.Length {
		return nil
	}
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}

// LatestCheckpoint implements Store.
func (m *MemoryStore) LatestCheckpoint(_ context.Context) (*protocol.SignedCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.checkpoints) == 0 {
		return nil, fmt.Errorf("checkpoint: %w", ErrNotFound)
	}
	return m.checkpoints[len(m.checkpoints)-1], nil
}
