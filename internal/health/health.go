// Package health tracks rolling per-provider success/failure counts and
// exposes a sticky unhealthy flag once the failure ratio crosses a
// threshold.
package health

import (
	"context"
	"fmt"
	"time"

	"sms-gateway/internal/kv"
)

// Config controls the window, threshold, and minimum sample floor used to
// decide when a provider becomes sticky-unhealthy.
type Config struct {
	WindowDuration    time.Duration
	FailureThreshold  float64
	MinSamples        int64
	UnhealthyTTL      time.Duration // defaults to WindowDuration if zero
}

// Status is a snapshot of one provider's health counters.
type Status struct {
	ProviderID      string
	Success         int64
	Failure         int64
	FailureRatio    float64
	Unhealthy       bool
	UnhealthyUntil  time.Time // zero if not currently unhealthy
}

// Tracker records outcomes per provider and exposes the sticky health flag.
type Tracker struct {
	store  kv.Store
	cfg    Config
	nowFn  func() time.Time
}

// New returns a Tracker using cfg. A zero UnhealthyTTL defaults to
// WindowDuration and a zero MinSamples defaults to 10.
func New(store kv.Store, cfg Config) *Tracker {
	if cfg.UnhealthyTTL == 0 {
		cfg.UnhealthyTTL = cfg.WindowDuration
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = 10
	}
	return &Tracker{store: store, cfg: cfg, nowFn: time.Now}
}

func successKey(providerID string) string   { return fmt.Sprintf("health:success:%s", providerID) }
func failureKey(providerID string) string   { return fmt.Sprintf("health:failure:%s", providerID) }
func unhealthyKey(providerID string) string { return fmt.Sprintf("health:unhealthy:%s", providerID) }

// RecordSuccess increments providerID's rolling success counter. It never
// clears the sticky unhealthy flag directly — that only happens via TTL
// expiry or Reset.
func (t *Tracker) RecordSuccess(ctx context.Context, providerID string) error {
	return t.recordAndEvaluate(ctx, providerID, successKey(providerID))
}

// RecordFailure increments providerID's rolling failure counter and, if the
// failure ratio crosses the threshold on enough samples, sets the sticky
// unhealthy flag with its own TTL.
func (t *Tracker) RecordFailure(ctx context.Context, providerID string) error {
	return t.recordAndEvaluate(ctx, providerID, failureKey(providerID))
}

func (t *Tracker) recordAndEvaluate(ctx context.Context, providerID, key string) error {
	count, err := t.store.Incr(ctx, key)
	if err != nil {
		return err
	}
	if count == 1 {
		if err := t.store.Expire(ctx, key, t.cfg.WindowDuration); err != nil {
			return err
		}
	}

	status, err := t.readCounters(ctx, providerID)
	if err != nil {
		return err
	}

	total := status.Success + status.Failure
	if total >= t.cfg.MinSamples && status.FailureRatio >= t.cfg.FailureThreshold {
		if err := t.store.Set(ctx, unhealthyKey(providerID), "1", t.cfg.UnhealthyTTL); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) readCounters(ctx context.Context, providerID string) (Status, error) {
	success, err := t.readCount(ctx, successKey(providerID))
	if err != nil {
		return Status{}, err
	}
	failure, err := t.readCount(ctx, failureKey(providerID))
	if err != nil {
		return Status{}, err
	}

	total := success + failure
	ratio := 0.0
	if total > 0 {
		ratio = float64(failure) / float64(total)
	}

	return Status{
		ProviderID:   providerID,
		Success:      success,
		Failure:      failure,
		FailureRatio: ratio,
	}, nil
}

func (t *Tracker) readCount(ctx context.Context, key string) (int64, error) {
	val, err := t.store.Get(ctx, key)
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return 0, fmt.Errorf("health: decode counter %q: %w", val, err)
	}
	return n, nil
}

// IsHealthy reports true iff the sticky unhealthy flag is absent. It does
// not recompute the ratio — once set, the flag is authoritative until its
// TTL expires or Reset is called, which is what makes it "sticky": a
// provider that stops receiving new failures does not heal early just
// because the rolling window emptied out.
func (t *Tracker) IsHealthy(ctx context.Context, providerID string) (bool, error) {
	_, err := t.store.Get(ctx, unhealthyKey(providerID))
	if err == kv.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// Status returns a full snapshot for providerID, including the sticky flag.
func (t *Tracker) Status(ctx context.Context, providerID string) (Status, error) {
	status, err := t.readCounters(ctx, providerID)
	if err != nil {
		return Status{}, err
	}

	healthy, err := t.IsHealthy(ctx, providerID)
	if err != nil {
		return Status{}, err
	}
	status.Unhealthy = !healthy
	if status.Unhealthy {
		status.UnhealthyUntil = t.nowFn().Add(t.cfg.UnhealthyTTL)
	}
	return status, nil
}

// Reset clears all counters and the sticky flag for providerID.
func (t *Tracker) Reset(ctx context.Context, providerID string) error {
	return t.store.Del(ctx, successKey(providerID), failureKey(providerID), unhealthyKey(providerID))
}
