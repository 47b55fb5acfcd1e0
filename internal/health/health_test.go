package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sms-gateway/internal/kv"
)

func newTracker(clock func() time.Time) (*Tracker, kv.Store) {
	store := kv.NewMemoryStoreWithClock(clock)
	tr := New(store, Config{
		WindowDuration:   300 * time.Second,
		FailureThreshold: 0.7,
		MinSamples:       10,
	})
	tr.nowFn = clock
	return tr, store
}

func TestHealthyUntilThresholdCrossed(t *testing.T) {
	now := time.Unix(0, 0)
	tr, _ := newTracker(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		require.NoError(t, tr.RecordFailure(ctx, "provider1"))
	}
	healthy, err := tr.IsHealthy(ctx, "provider1")
	require.NoError(t, err)
	require.True(t, healthy, "must not flip unhealthy before the minimum sample floor")

	require.NoError(t, tr.RecordFailure(ctx, "provider1"))
	healthy, err = tr.IsHealthy(ctx, "provider1")
	require.NoError(t, err)
	require.False(t, healthy, "10 failures with 0 successes must cross the 70% threshold")
}

func TestStickyUnhealthySurvivesQuietWindow(t *testing.T) {
	now := time.Unix(0, 0)
	tr, _ := newTracker(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.RecordFailure(ctx, "provider1"))
	}
	healthy, err := tr.IsHealthy(ctx, "provider1")
	require.NoError(t, err)
	require.False(t, healthy)

	now = now.Add(150 * time.Second)
	healthy, err = tr.IsHealthy(ctx, "provider1")
	require.NoError(t, err)
	require.False(t, healthy, "sticky flag must survive traffic stopping mid-window")

	now = now.Add(200 * time.Second)
	healthy, err = tr.IsHealthy(ctx, "provider1")
	require.NoError(t, err)
	require.True(t, healthy, "sticky flag must clear once its own TTL has elapsed")
}

func TestResetClearsEverything(t *testing.T) {
	now := time.Unix(0, 0)
	tr, _ := newTracker(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.RecordFailure(ctx, "provider1"))
	}

	require.NoError(t, tr.Reset(ctx, "provider1"))

	status, err := tr.Status(ctx, "provider1")
	require.NoError(t, err)
	require.Equal(t, int64(0), status.Success)
	require.Equal(t, int64(0), status.Failure)
	require.False(t, status.Unhealthy)
}
