package storage

import (
	"cmp"
	"slices"
	"sync"
)

// MemoryEngine is a thread-safe in-memory snapshot store.
type MemoryEngine struct {
	mu        sync.RWMutex
	snapshots map[SnapshotID]*Snapshot
	closed    bool
}

// NewMemoryEngine creates an empty in-memory store.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{snapshots: make(map[SnapshotID]*Snapshot)}
}

// PutSnapshot stores a copy of s.
func (m *MemoryEngine) PutSnapshot(s *Snapshot) error {
	if err := validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.snapshots[s.ID] = copySnapshot(s)
	return nil
}

// GetSnapshot returns a copy of the snapshot with the given id.
func (m *MemoryEngine) GetSnapshot(id SnapshotID) (*Snapshot, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(s), nil
}

// LatestSnapshot returns the newest snapshot of lineage.
func (m *MemoryEngine) LatestSnapshot(lineage string) (*Snapshot, error) {
	snaps, err := m.ListSnapshots(lineage)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

// ListSnapshots returns copies of the snapshots of lineage, oldest first.
func (m *MemoryEngine) ListSnapshots(lineage string) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	var out []*Snapshot
	for _, s := range m.snapshots {
		if lineage == "" || s.Lineage == lineage {
			out = append(out, copySnapshot(s))
		}
	}
	slices.SortFunc(out, bySavedAt)
	return out, nil
}

// DeleteSnapshot removes a snapshot.
func (m *MemoryEngine) DeleteSnapshot(id SnapshotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.snapshots[id]; !ok {
		return ErrNotFound
	}
	delete(m.snapshots, id)
	return nil
}

// Close releases the store. Further calls fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.snapshots = nil
	return nil
}

func bySavedAt(a, b *Snapshot) int {
	return cmp.Or(a.SavedAt.Compare(b.SavedAt), cmp.Compare(a.ID, b.ID))
}

var _ Engine = (*MemoryEngine)(nil)
