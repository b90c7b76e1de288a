package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Safe for concurrent use; expired
// entries are purged opportunistically on writes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	puts    uint64
	purgeN  uint64
	now     func() time.Time
}

type memEntry struct {
	launch Launch
	until  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry, 64),
		purgeN:  256,
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, l Launch, ttl time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.puts%s.purgeN == 0 {
		for k, e := range s.entries {
			if !e.until.After(now) {
				delete(s.entries, k)
			}
		}
	}
	s.entries[l.State] = memEntry{launch: l, until: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, stateValue string) (Launch, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[stateValue]
	if !ok || !e.until.After(now) {
		return Launch{}, ErrNotFound
	}
	delete(s.entries, stateValue)
	return e.launch, nil
}
