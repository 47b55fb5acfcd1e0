package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIncrExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	store := NewMemoryStoreWithClock(clock)
	ctx := context.Background()

	n, err := store.Incr(ctx, "rate_limit:provider1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, store.Expire(ctx, "rate_limit:provider1", time.Second))

	n, err = store.Incr(ctx, "rate_limit:provider1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	now = now.Add(2 * time.Second)

	n, err = store.Incr(ctx, "rate_limit:provider1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "counter must reset once its TTL has elapsed")
}

func TestMemoryStoreGetDecodesToString(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", "42", 0))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "42", v)
}

func TestMemoryStoreZSetRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "queue:retry", 100, "task-a"))
	require.NoError(t, store.ZAdd(ctx, "queue:retry", 50, "task-b"))
	require.NoError(t, store.ZAdd(ctx, "queue:retry", 200, "task-c"))

	due, err := store.ZRangeByScore(ctx, "queue:retry", 0, 100, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "task-b", due[0].Member)
	require.Equal(t, "task-a", due[1].Member)

	removed, err := store.ZRem(ctx, "queue:retry", "task-b")
	require.NoError(t, err)
	require.True(t, removed)

	removedAgain, err := store.ZRem(ctx, "queue:retry", "task-b")
	require.NoError(t, err)
	require.False(t, removedAgain, "a second ZRem of the same member must lose the race")
}

func TestMemoryStoreListFIFO(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.RPush(ctx, "queue:dispatch", "task-1"))
	require.NoError(t, store.RPush(ctx, "queue:dispatch", "task-2"))

	v, err := store.BLPop(ctx, "queue:dispatch", 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "task-1", v)

	_, err = store.BLPop(ctx, "queue:empty", 5*time.Millisecond)
	require.ErrorIs(t, err, ErrNotFound)
}
