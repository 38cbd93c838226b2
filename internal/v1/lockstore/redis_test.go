package lockstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestPutIfAbsent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.PutIfAbsent(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second writer loses.
	ok, err = store.PutIfAbsent(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", val)
}

func TestGetMissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	val, found, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, val)
}

func TestPutReplacesAndResetsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v1", 100*time.Millisecond))
	require.NoError(t, store.Put(ctx, "k", "v2", time.Minute))

	mr.FastForward(200 * time.Millisecond)

	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", val)
}

func TestTTLExpiryRemovesKey(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.PutIfAbsent(ctx, "k", "v", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(100 * time.Millisecond)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// The slot is free again.
	ok, err = store.PutIfAbsent(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPTTLSentinels(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ttl, err := store.PTTL(ctx, "absent")
	require.NoError(t, err)
	assert.Equal(t, TTLNoKey, ttl)

	require.NoError(t, store.client.Set(ctx, "forever", "v", 0).Err())
	ttl, err = store.PTTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, TTLNoExpiry, ttl)

	require.NoError(t, store.Put(ctx, "bounded", "v", time.Minute))
	ttl, err = store.PTTL(ctx, "bounded")
	require.NoError(t, err)
	assert.Greater(t, ttl, int64(0))
	assert.LessOrEqual(t, ttl, int64(60_000))
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v", time.Minute))

	deleted, err := store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(redis.Nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(context.DeadlineExceeded))
	assert.False(t, isRetryable(assert.AnError))

	assert.True(t, isRetryable(errors.New("READONLY You can't write against a read only replica.")))
	assert.True(t, isRetryable(errors.New("LOADING Redis is loading the dataset in memory")))
	assert.True(t, isRetryable(errors.New("dial tcp 127.0.0.1:6379: connection refused")))
}
