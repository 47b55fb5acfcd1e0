package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sms-gateway/internal/distribution"
	"sms-gateway/internal/health"
	"sms-gateway/internal/kv"
	"sms-gateway/internal/provider"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/retry"
	"sms-gateway/internal/store"
)

type testRig struct {
	runner   *Runner
	store    kv.Store
	recorder *store.MemoryRecorder
	q        *queue.Queue
}

func newRig(t *testing.T, providerURLs map[string]string, weights map[string]int) *testRig {
	kvStore := kv.NewMemoryStore()
	tracker := health.New(kvStore, health.Config{WindowDuration: 300 * time.Second, FailureThreshold: 0.7, MinSamples: 10})
	limiter := ratelimit.New(kvStore, time.Second)

	var providers []distribution.Provider
	for id := range providerURLs {
		w := weights[id]
		if w == 0 {
			w = 1
		}
		providers = append(providers, distribution.Provider{ID: id, URL: providerURLs[id], Weight: w, PerSecondLimit: 50})
	}
	engine := distribution.New(kvStore, tracker, limiter, providers)

	recorder := store.NewMemoryRecorder()
	q := queue.New(kvStore, time.Minute)
	scheduler := retry.New(kvStore, q, retry.Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second})

	client := provider.New(2 * time.Second)
	registry := provider.NewRegistry(providerURLs)

	runner := New(engine, tracker, client, recorder, scheduler, registry, Config{MaxAttempts: 3, SendTimeout: time.Second})
	_ = t
	return &testRig{runner: runner, store: kvStore, recorder: recorder, q: q}
}

func TestRunMarksRequestSucceededOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rig := newRig(t, map[string]string{"provider1": srv.URL}, nil)
	ctx := context.Background()

	req := &store.Request{ID: "req1", Phone: "+15551234567", Text: "hi", Status: store.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rig.recorder.CreateRequest(req))

	err := rig.runner.Run(ctx, queue.Task{RequestID: "req1", AttemptNumber: 1})
	require.NoError(t, err)

	got, err := rig.recorder.GetRequest("req1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, got.Status)

	attempts, err := rig.recorder.ListAttempts("req1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, store.AttemptOK, attempts[0].Status)
}

func TestRunDeadLettersOnPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	rig := newRig(t, map[string]string{"provider1": srv.URL}, nil)
	ctx := context.Background()

	req := &store.Request{ID: "req1", Status: store.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rig.recorder.CreateRequest(req))

	require.NoError(t, rig.runner.Run(ctx, queue.Task{RequestID: "req1", AttemptNumber: 1}))

	got, err := rig.recorder.GetRequest("req1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailedPermanent, got.Status)
}

func TestRunSchedulesRetryOnTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rig := newRig(t, map[string]string{"provider1": srv.URL}, nil)
	ctx := context.Background()

	req := &store.Request{ID: "req1", Status: store.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rig.recorder.CreateRequest(req))

	require.NoError(t, rig.runner.Run(ctx, queue.Task{RequestID: "req1", AttemptNumber: 1}))

	got, err := rig.recorder.GetRequest("req1")
	require.NoError(t, err)
	require.Equal(t, store.StatusInFlight, got.Status, "a transient failure under the attempt budget stays in-flight pending retry, not terminal")

	members, err := rig.store.ZRangeByScore(ctx, "queue:retry", 0, 1e18, 0)
	require.NoError(t, err)
	require.Len(t, members, 1, "a retry must be scheduled")

	due := time.UnixMilli(int64(members[0].Score))
	delay := due.Sub(time.Now())
	require.InDelta(t, time.Second, delay, float64(400*time.Millisecond),
		"the first retry (attempt 1) must be due ~1x retry_base_delay, not ~2x")
}

func TestRunIsNoOpForAlreadyTerminalRequest(t *testing.T) {
	rig := newRig(t, map[string]string{"provider1": "http://unused"}, nil)
	ctx := context.Background()

	req := &store.Request{ID: "req1", Status: store.StatusSucceeded, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rig.recorder.CreateRequest(req))

	require.NoError(t, rig.runner.Run(ctx, queue.Task{RequestID: "req1", AttemptNumber: 1}))

	attempts, err := rig.recorder.ListAttempts("req1")
	require.NoError(t, err)
	require.Empty(t, attempts, "a terminal request must not gain a new attempt")
}

func TestRunDeadLettersAtMaxAttemptsOnRepeatedTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rig := newRig(t, map[string]string{"provider1": srv.URL}, nil)
	ctx := context.Background()

	req := &store.Request{ID: "req1", Status: store.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rig.recorder.CreateRequest(req))

	require.NoError(t, rig.runner.Run(ctx, queue.Task{RequestID: "req1", AttemptNumber: 3}))

	got, err := rig.recorder.GetRequest("req1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailedPermanent, got.Status, "hitting MaxAttempts on a transient failure must dead-letter")
}

func TestRunExcludesUnhealthyProvidersAndDeadLettersWhenNoneAvailable(t *testing.T) {
	rig := newRig(t, map[string]string{"provider1": "http://unused"}, nil)
	ctx := context.Background()

	require.NoError(t, rig.store.Set(ctx, "health:unhealthy:provider1", "1", time.Minute))

	req := &store.Request{ID: "req1", Status: store.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rig.recorder.CreateRequest(req))

	require.NoError(t, rig.runner.Run(ctx, queue.Task{RequestID: "req1", AttemptNumber: 3}))

	got, err := rig.recorder.GetRequest("req1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailedPermanent, got.Status, "exhausting attempts against an empty candidate pool still dead-letters as MAX_ATTEMPTS_EXCEEDED")

	attempts, err := rig.recorder.ListAttempts("req1")
	require.NoError(t, err)
	require.Empty(t, attempts, "no outbound call is ever made when no provider is available")
}
