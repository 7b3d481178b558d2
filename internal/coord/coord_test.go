package coord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingStore struct{}

func (failingStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) DeleteIfValue(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) IncrWithExpiry(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func TestLocker_AcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(NewMemoryStore(), time.Minute, testLogger())

	lease, err := locker.Acquire(ctx, UserLockKey("u1"))
	require.NoError(t, err)
	assert.False(t, lease.Degraded)

	_, err = locker.Acquire(ctx, UserLockKey("u1"))
	assert.ErrorIs(t, err, ErrOperationInProgress)

	other, err := locker.Acquire(ctx, UserLockKey("u2"))
	require.NoError(t, err, "locks are per key")
	other.Release(ctx)

	lease.Release(ctx)
	lease.Release(ctx)

	again, err := locker.Acquire(ctx, UserLockKey("u1"))
	require.NoError(t, err)
	again.Release(ctx)
}

func TestLocker_ReleaseAfterCancel(t *testing.T) {
	locker := NewLocker(NewMemoryStore(), time.Minute, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	lease, err := locker.Acquire(ctx, "lock:cancelled")
	require.NoError(t, err)
	cancel()
	lease.Release(ctx)

	_, err = locker.Acquire(context.Background(), "lock:cancelled")
	assert.NoError(t, err)
}

func TestLocker_ExpiredLockIsReacquirable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	locker := NewLocker(store, 10*time.Second, testLogger())

	stale, err := locker.Acquire(ctx, "lock:u")
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	fresh, err := locker.Acquire(ctx, "lock:u")
	require.NoError(t, err)

	// The stale holder must not release the new holder's lock.
	stale.Release(ctx)
	_, err = locker.Acquire(ctx, "lock:u")
	assert.ErrorIs(t, err, ErrOperationInProgress)
	fresh.Release(ctx)
}

func TestLocker_FailsOpen(t *testing.T) {
	locker := NewLocker(failingStore{}, time.Minute, testLogger())

	lease, err := locker.Acquire(context.Background(), "lock:u")
	require.NoError(t, err)
	assert.True(t, lease.Degraded)
	lease.Release(context.Background())
}

func TestLocker_FailsOpenWithUnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	locker := NewLocker(NewRedisStore(client, "test", 200*time.Millisecond), time.Minute, testLogger())

	lease, err := locker.Acquire(context.Background(), UserLockKey("u1"))
	require.NoError(t, err)
	assert.True(t, lease.Degraded)
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(NewMemoryStore(), 2, time.Minute, testLogger())

	ok, _ := limiter.Allow(ctx, "client", "purchase")
	assert.True(t, ok)
	ok, _ = limiter.Allow(ctx, "client", "purchase")
	assert.True(t, ok)
	ok, retry := limiter.Allow(ctx, "client", "purchase")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	ok, _ = limiter.Allow(ctx, "client", "access")
	assert.True(t, ok, "routes are counted separately")
}

func TestRateLimiter_WindowResets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	limiter := NewRateLimiter(store, 1, time.Minute, testLogger())

	ok, _ := limiter.Allow(ctx, "c", "r")
	require.True(t, ok)
	ok, _ = limiter.Allow(ctx, "c", "r")
	require.False(t, ok)

	now = now.Add(time.Minute)
	ok, _ = limiter.Allow(ctx, "c", "r")
	assert.True(t, ok)
}

func TestRateLimiter_DegradedAndDisabled(t *testing.T) {
	ctx := context.Background()

	ok, _ := NewRateLimiter(failingStore{}, 1, time.Minute, testLogger()).Allow(ctx, "c", "r")
	assert.True(t, ok)

	disabled := NewRateLimiter(NewMemoryStore(), 0, time.Minute, testLogger())
	for i := 0; i < 5; i++ {
		ok, _ = disabled.Allow(ctx, "c", "r")
		assert.True(t, ok)
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "lock:abc", UserLockKey("abc"))
	assert.Equal(t, "rate:abc:purchase", RateLimitKey("abc", "purchase"))
	assert.Equal(t, "svc:lock:abc", NewRedisStore(nil, "svc:", 0).key(UserLockKey("abc")))
}
