package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/milvaion/milvaion/internal/resilience"
)

func newTestService(t *testing.T) (Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zaptest.NewLogger(t)
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("lock-test"), logger)
	return NewService(rdb, breaker, Options{}, logger), mr
}

func TestTryAcquireExclusive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	owner, ok, err := svc.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, owner)

	_, ok, err = svc.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while the lock is held")

	// Locks on different jobs are independent
	_, ok, err = svc.TryAcquire(ctx, "job-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseFreesLock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	owner, ok, err := svc.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.Release(ctx, "job-1", owner))

	_, ok, err = svc.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be reacquirable after release")
}

func TestReleaseIsFenced(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	staleOwner, ok, err := svc.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The lock expires while the first holder is still working, and a
	// second instance takes it
	mr.FastForward(2 * time.Minute)
	newOwner, ok, err := svc.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release must not evict the new holder
	require.NoError(t, svc.Release(ctx, "job-1", staleOwner))

	current, err := svc.Owner(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, newOwner, current)
}

func TestLockExpiresByTTL(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	_, ok, err := svc.TryAcquire(ctx, "job-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Minute)

	_, ok, err = svc.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reacquirable")
}

func TestOwnerEmptyWhenUnlocked(t *testing.T) {
	svc, _ := newTestService(t)

	owner, err := svc.Owner(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}
