package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRecorderLifecycle(t *testing.T) {
	rec := NewMemoryRecorder()
	now := time.Unix(1000, 0)

	req := &Request{ID: "req1", Phone: "+15551234567", Text: "hi", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, rec.CreateRequest(req))

	require.NoError(t, rec.MarkInFlight("req1", "provider1", 1, []string{"provider1"}, now.Add(time.Second)))

	attempt := &Attempt{RequestID: "req1", AttemptNumber: 1, ProviderID: "provider1", StartedAt: now, EndedAt: now.Add(2 * time.Second), Status: AttemptErrorTransient}
	require.NoError(t, rec.AppendAttempt(attempt))
	require.NotZero(t, attempt.ID)

	got, err := rec.GetRequest("req1")
	require.NoError(t, err)
	require.Equal(t, 1, got.AttemptsCount)
	require.Equal(t, "provider1", *got.LastProviderID)

	require.NoError(t, rec.MarkFailedPermanent("req1", now.Add(3*time.Second)))
	dl := &DeadLetter{RequestID: "req1", Reason: ReasonMaxAttemptsExceeded, AttemptsSnapshot: 1, CreatedAt: now.Add(3 * time.Second)}
	require.NoError(t, rec.RecordDeadLetter(dl))
	require.NotZero(t, dl.ID)

	got, err = rec.GetRequest("req1")
	require.NoError(t, err)
	require.Equal(t, StatusFailedPermanent, got.Status)
}

func TestMemoryRecorderListRequestsFiltersByStatus(t *testing.T) {
	rec := NewMemoryRecorder()
	now := time.Unix(1000, 0)

	require.NoError(t, rec.CreateRequest(&Request{ID: "a", Status: StatusPending, CreatedAt: now}))
	require.NoError(t, rec.CreateRequest(&Request{ID: "b", Status: StatusSucceeded, CreatedAt: now.Add(time.Second)}))

	got, err := rec.ListRequests(ListFilter{Status: StatusSucceeded})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "b", got[0].ID)
}
