package inventory

import (
	"context"
	"sync"
)

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snap), nil
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	s.snap = cloneSnapshot(snap)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	out.Records = append([]MedicineRecord(nil), in.Records...)
	out.Inbound = append([]InboundOrder(nil), in.Inbound...)
	out.Outbound = append([]OutboundOrder(nil), in.Outbound...)
	return out
}
