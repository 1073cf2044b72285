package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStore persists browser sessions.
type SessionStore interface {
	NewID() string
	SaveSession(ctx context.Context, sess BrowserSession) error
	// GetSession returns ok=false when no session exists under id.
	GetSession(ctx context.Context, id string) (sess BrowserSession, ok bool, err error)
	DeleteSession(ctx context.Context, id string) error
	// PurgeExpired drops sessions that expired before now and returns how many.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// InMemoryStore keeps browser sessions for a single node.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]BrowserSession
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]BrowserSession)}
}

// NewID generates a random session identifier.
func (s *InMemoryStore) NewID() string {
	return uuid.NewString()
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(_ context.Context, sess BrowserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (BrowserSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok, nil
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
