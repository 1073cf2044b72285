package pkce

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store keeps one pending Session per client context.
type Store interface {
	// Put replaces any session stored under key.
	Put(ctx context.Context, key string, s Session) error
	// Take removes and returns the session under key. ok is false when none exists.
	Take(ctx context.Context, key string) (s Session, ok bool, err error)
}

// MemoryStore is a process-local Store whose sessions expire after a TTL.
// mu serialises Put against the get-then-delete of Take.
type MemoryStore struct {
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemoryStore returns a MemoryStore. A non-positive ttl disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &MemoryStore{c: gocache.New(ttl, time.Minute)}
}

func (m *MemoryStore) Put(_ context.Context, key string, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.SetDefault(key, s)
	return nil
}

func (m *MemoryStore) Take(_ context.Context, key string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.c.Get(key)
	if !ok {
		return Session{}, false, nil
	}
	m.c.Delete(key)
	s, ok := v.(Session)
	return s, ok, nil
}

// Len reports the number of pending sessions.
func (m *MemoryStore) Len() int {
	return m.c.ItemCount()
}
