package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "loginguard:session:"

// RedisSessionStore shares browser sessions between replicas. Entries expire
// in Redis at the session's ExpiresAt.
type RedisSessionStore struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisSessionStore returns a store backed by client.
func NewRedisSessionStore(client redis.Cmdable) *RedisSessionStore {
	return &RedisSessionStore{client: client, now: time.Now}
}

func (s *RedisSessionStore) NewID() string {
	return uuid.NewString()
}

func (s *RedisSessionStore) SaveSession(ctx context.Context, sess BrowserSession) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.DeleteSession(ctx, sess.ID)
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sess.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) GetSession(ctx context.Context, id string) (BrowserSession, bool, error) {
	payload, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return BrowserSession{}, false, nil
	}
	if err != nil {
		return BrowserSession{}, false, fmt.Errorf("load session: %w", err)
	}
	var sess BrowserSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		return BrowserSession{}, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

func (s *RedisSessionStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op; Redis expires the keys itself.
func (s *RedisSessionStore) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
