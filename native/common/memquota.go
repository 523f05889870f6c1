package common

import (
	"strconv"
	"sync"
)

// MemoryStore is an in-process Store, used by callers that want the
// Quota/Apply persisted-counter semantics without a durable backend — the
// default for single-process deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]QuotaNow
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]QuotaNow)}
}

func (s *MemoryStore) key(module string, epoch uint64, addr []byte) string {
	return module + "|" + strconv.FormatUint(epoch, 10) + "|" + string(addr)
}

// Load implements Store.
func (s *MemoryStore) Load(module string, epoch uint64, addr []byte) (QuotaNow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counters[s.key(module, epoch, addr)]
	return v, ok, nil
}

// Save implements Store.
func (s *MemoryStore) Save(module string, epoch uint64, addr []byte, counters QuotaNow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[s.key(module, epoch, addr)] = counters
	return nil
}
