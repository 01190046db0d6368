package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps entries in process memory with a fixed TTL.
type MemoryStore struct {
	c *gocache.Cache
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Deleter = (*MemoryStore)(nil)
)

// NewMemoryStore creates a MemoryStore. A non-positive ttl keeps entries until deleted.
func NewMemoryStore(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &MemoryStore{c: gocache.New(ttl, cleanupInterval)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.c.Set(key, append([]byte(nil), value...), gocache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}
