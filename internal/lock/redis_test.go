package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireContention(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)

	ok, err := l.TryAcquire(ctx, "s1", "replica-a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, "s1", "replica-b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := mr.Get(defaultRedisPrefix + "s1")
	require.NoError(t, err)
	assert.Equal(t, "replica-a", got)
	assert.Equal(t, 5*time.Second, mr.TTL(defaultRedisPrefix+"s1"))
}

func TestRedisLocker_ReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client).WithPrefix("test:")

	ok, err := l.TryAcquire(ctx, "s1", "replica-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "s1", "replica-b"))
	assert.True(t, mr.Exists("test:s1"), "non-holder must not release")

	require.NoError(t, l.Release(ctx, "s1", "replica-a"))
	assert.False(t, mr.Exists("test:s1"))

	ok, err = l.TryAcquire(ctx, "s1", "replica-b", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)

	ok, err := l.TryAcquire(ctx, "s1", "replica-a", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(3 * time.Second)

	ok, err = l.TryAcquire(ctx, "s1", "replica-b", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_BackendError(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)
	mr.Close()

	_, err := l.TryAcquire(context.Background(), "s1", "replica-a", time.Second)
	assert.Error(t, err)
}

func TestRedisLocker_ReacquireByHolderRefreshes(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)

	ok, err := l.TryAcquire(ctx, "s1", "replica-a", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Second)

	ok, err = l.TryAcquire(ctx, "s1", "replica-a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "current holder must be able to re-acquire")
	assert.Equal(t, 5*time.Second, mr.TTL(defaultRedisPrefix+"s1"))

	mr.FastForward(3 * time.Second)

	ok, err = l.TryAcquire(ctx, "s1", "replica-b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "refreshed lease must still be held")

	got, err := mr.Get(defaultRedisPrefix + "s1")
	require.NoError(t, err)
	assert.Equal(t, "replica-a", got)
}
