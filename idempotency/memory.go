package idempotency

import (
	"context"

	"github.com/rbaliyan/admit/cache"
)

// MemoryStore remembers the last size IDs seen by this process. Older IDs
// are evicted least recently used first.
type MemoryStore struct {
	seen *cache.LRU[string, struct{}]
}

// NewMemoryStore creates a store holding up to size IDs.
func NewMemoryStore(size int) (*MemoryStore, error) {
	seen, err := cache.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{seen: seen}, nil
}

// IsDuplicate reports whether id is among the remembered IDs and
// remembers it if not.
func (s *MemoryStore) IsDuplicate(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	found, _ := s.seen.ContainsOrAdd(id, struct{}{})
	return found, nil
}

// Remove forgets id.
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.seen.Remove(id)
	return nil
}

// Len returns the number of remembered IDs.
func (s *MemoryStore) Len() int {
	return s.seen.Len()
}

var _ Store = (*MemoryStore)(nil)
