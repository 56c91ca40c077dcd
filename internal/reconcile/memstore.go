package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBreakStore is the in-process BreakStore used by tests and by
// deployments running without Postgres.
type MemoryBreakStore struct {
	mu     sync.RWMutex
	breaks map[uuid.UUID]*Break
}

func NewMemoryBreakStore() *MemoryBreakStore {
	return &MemoryBreakStore{breaks: make(map[uuid.UUID]*Break)}
}

// SaveBreaks implements BreakStore.
func (s *MemoryBreakStore) SaveBreaks(ctx context.Context, breaks []*Break) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, brk := range breaks {
		cp := *brk
		s.breaks[brk.ID] = &cp
	}
	return nil
}

// Unresolved implements BreakStore.
func (s *MemoryBreakStore) Unresolved(ctx context.Context, ownerID uuid.UUID) ([]*Break, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Break
	for _, brk := range s.breaks {
		if brk.OwnerID == ownerID && !brk.Resolved {
			cp := *brk
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Resolve implements BreakStore.
func (s *MemoryBreakStore) Resolve(ctx context.Context, breakID uuid.UUID, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	brk, ok := s.breaks[breakID]
	if !ok {
		return fmt.Errorf("break %s not found", breakID)
	}
	brk.Resolved = true
	t := at
	brk.ResolvedAt = &t
	brk.Note = note
	return nil
}
