package walletstore

import (
	"context"
	"sync"
)

// MemoryStore holds the record in process memory. Used for tests and for
// running the agent without persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	rec     Record
	present bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	s.present = true
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec, s.present, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = Record{}
	s.present = false
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Reset clears the store outside the Store contract, for tests.
func (s *MemoryStore) Reset() {
	_ = s.Clear(context.Background())
}
