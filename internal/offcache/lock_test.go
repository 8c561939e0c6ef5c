package offcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	first, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = l.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "locks are per key")

	require.NoError(t, first.Unlock(ctx))
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewLocalLocker().(*localLocker)
	l.clock = clock.Now

	stale, ok, err := l.TryLock(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(31 * time.Second)
	fresh, ok, err := l.TryLock(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "an expired lock can be taken over")

	// The expired holder must not release the new holder's lock.
	require.NoError(t, stale.Unlock(ctx))
	_, ok, err = l.TryLock(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, fresh.Unlock(ctx))
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	held, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Unlock(ctx)
	}()

	u, err := acquire(ctx, l, "k", time.Minute, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, u.Unlock(ctx))
}

func TestAcquire_Timeout(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	_, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	_, err = acquire(ctx, l, "k", time.Minute, 120*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestAcquire_ContextCanceled(t *testing.T) {
	l := NewLocalLocker()
	_, _, err := l.TryLock(context.Background(), "k", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = acquire(ctx, l, "k", time.Minute, 10*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
