package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curasync/collab-gateway/internal/v1/lockstore"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewEngine(lockstore.NewRedisStore(client), 5*time.Minute), mr
}

func TestAcquireFreeLock(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	assert.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))

	rec := e.GetHolder(ctx, "document:1")
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.UserID)
	assert.Greater(t, rec.ExpiresAt, rec.AcquiredAt)
}

func TestAcquireHeldLockLosesRace(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))
	assert.False(t, e.Acquire(ctx, "document:1", "bob", time.Minute))

	// Holder is unchanged.
	rec := e.GetHolder(ctx, "document:1")
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.UserID)
}

func TestAcquireOwnLockIsRefresh(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))
	first := e.GetHolder(ctx, "document:1")
	require.NotNil(t, first)

	e.now = func() time.Time { return time.Now().Add(30 * time.Second) }
	require.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))

	second := e.GetHolder(ctx, "document:1")
	require.NotNil(t, second)
	assert.Equal(t, first.AcquiredAt, second.AcquiredAt, "refresh preserves the original acquisition time")
	assert.Greater(t, second.ExpiresAt, first.ExpiresAt)
}

func TestReleaseOwnedLock(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))
	assert.True(t, e.Release(ctx, "document:1", "alice"))
	assert.Nil(t, e.GetHolder(ctx, "document:1"))
}

func TestReleaseDeniedForNonOwner(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))
	assert.False(t, e.Release(ctx, "document:1", "bob"))

	rec := e.GetHolder(ctx, "document:1")
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.UserID)
}

func TestReleaseAbsentLock(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.False(t, e.Release(context.Background(), "document:1", "alice"))
}

func TestExpiredLockIsAcquirable(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()

	require.True(t, e.Acquire(ctx, "document:1", "alice", 100*time.Millisecond))

	mr.FastForward(200 * time.Millisecond)

	assert.Nil(t, e.GetHolder(ctx, "document:1"))
	assert.True(t, e.Acquire(ctx, "document:1", "bob", time.Minute))
}

func TestRenewPreservesAcquiredAt(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))
	first := e.GetHolder(ctx, "document:1")

	e.now = func() time.Time { return time.Now().Add(45 * time.Second) }
	assert.True(t, e.Renew(ctx, "document:1", "alice", time.Minute))

	second := e.GetHolder(ctx, "document:1")
	require.NotNil(t, second)
	assert.Equal(t, first.AcquiredAt, second.AcquiredAt)
	assert.Greater(t, second.ExpiresAt, first.ExpiresAt)
}

func TestRenewDeniedForNonOwnerOrAbsent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	assert.False(t, e.Renew(ctx, "document:1", "alice", time.Minute))

	require.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))
	assert.False(t, e.Renew(ctx, "document:1", "bob", time.Minute))
}

func TestZeroTTLUsesDefault(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.True(t, e.Acquire(ctx, "document:1", "alice", 0))

	rec := e.GetHolder(ctx, "document:1")
	require.NotNil(t, rec)
	assert.Equal(t, e.DefaultTTL().Milliseconds(), rec.ExpiresAt-rec.AcquiredAt)
}

func TestCorruptedValueIsDeletedAndReacquirable(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("lock:document:1", "not-json"))

	assert.Nil(t, e.GetHolder(ctx, "document:1"))
	assert.True(t, e.Acquire(ctx, "document:1", "alice", time.Minute))
}
