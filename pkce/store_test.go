package pkce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func sampleSession() Session {
	v := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	return Session{Verifier: v, Challenge: Challenge(v), State: "st", CreatedAt: time.Unix(1700000000, 0).UTC()}
}

func testStoreTakeOnce(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", sampleSession()))

	got, ok, err := s.Take(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleSession(), got)

	_, ok, err = s.Take(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "second take must find nothing")
}

func testStoreConcurrentTake(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", sampleSession()))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.Take(ctx, "k"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStoreTakeOnce(t *testing.T) {
	testStoreTakeOnce(t, NewMemoryStore(time.Minute))
}

func TestMemoryStoreConcurrentTake(t *testing.T) {
	testStoreConcurrentTake(t, NewMemoryStore(time.Minute))
}

func TestMemoryStorePutDuringTake(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		s := NewMemoryStore(time.Minute)
		old, fresh := sampleSession(), sampleSession()
		old.State, fresh.State = "old", "fresh"
		require.NoError(t, s.Put(ctx, "k", old))

		var taken Session
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			taken, _, _ = s.Take(ctx, "k")
		}()
		go func() {
			defer wg.Done()
			_ = s.Put(ctx, "k", fresh)
		}()
		wg.Wait()

		// a take that saw the old session must leave the fresh one in place
		if taken.State == "old" {
			got, ok, err := s.Take(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok, "fresh session lost on iteration %d", i)
			assert.Equal(t, "fresh", got.State)
		} else {
			assert.Equal(t, 0, s.Len())
		}
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	require.NoError(t, s.Put(context.Background(), "k", sampleSession()))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := s.Take(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreTakeOnce(t *testing.T) {
	_, client := newTestRedis(t)
	testStoreTakeOnce(t, NewRedisStore(client, time.Minute))
}

func TestRedisStoreConcurrentTake(t *testing.T) {
	_, client := newTestRedis(t)
	testStoreConcurrentTake(t, NewRedisStore(client, time.Minute))
}

func TestRedisStoreExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, time.Minute)
	require.NoError(t, s.Put(context.Background(), "k", sampleSession()))
	assert.True(t, mr.Exists(redisKeyPrefix+"k"))

	mr.FastForward(2 * time.Minute)
	_, ok, err := s.Take(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, _, err = NewRedisStore(client, time.Minute).Take(context.Background(), "k")
	assert.Error(t, err)
}
