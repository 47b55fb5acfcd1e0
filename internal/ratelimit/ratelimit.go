// Package ratelimit implements fixed-window admission control used for both
// per-provider and global caps.
//
// Rollback on rejection keeps a losing admission attempt (see
// internal/distribution) from leaving a phantom increment behind.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"sms-gateway/internal/kv"
)

const globalScope = "global"

// Decision is the outcome of an admission check. Admitted is true iff the
// counter was successfully incremented without exceeding Limit.
type Decision struct {
	Admitted bool
	Count    int64
	Limit    int64
}

// Limiter enforces a fixed-window cap, keyed by scope, over a shared store.
// A single Limiter instance is used for both per-provider scopes and the
// global scope — the scope string is the only difference.
type Limiter struct {
	store  kv.Store
	window time.Duration
}

// New returns a Limiter whose counters reset every window.
func New(store kv.Store, window time.Duration) *Limiter {
	return &Limiter{store: store, window: window}
}

func key(scope string) string {
	return fmt.Sprintf("rate_limit:%s", scope)
}

// AdmitProvider attempts to admit one request against providerID's limit.
func (l *Limiter) AdmitProvider(ctx context.Context, providerID string, limit int64) (Decision, error) {
	return l.admit(ctx, providerID, limit)
}

// AdmitGlobal attempts to admit one request against the global limit.
func (l *Limiter) AdmitGlobal(ctx context.Context, limit int64) (Decision, error) {
	return l.admit(ctx, globalScope, limit)
}

// admit increments the fixed-window counter for scope. On the first
// increment of a window it sets the key's TTL to the window duration — the
// key itself carries no timestamp, so concurrent admissions within the same
// window all accumulate on it rather than each minting a fresh key with
// count 1.
//
// If the increment pushes the counter past limit, that increment is rolled
// back with a Decr so a rejected caller leaves no residual count beyond the
// configured limit.
func (l *Limiter) admit(ctx context.Context, scope string, limit int64) (Decision, error) {
	k := key(scope)

	count, err := l.store.Incr(ctx, k)
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := l.store.Expire(ctx, k, l.window); err != nil {
			return Decision{}, err
		}
	}

	if count > limit {
		if _, err := l.store.Decr(ctx, k); err != nil {
			return Decision{}, err
		}
		return Decision{Admitted: false, Count: limit, Limit: limit}, nil
	}

	return Decision{Admitted: true, Count: count, Limit: limit}, nil
}

// GetCurrentCount returns a best-effort read of scope's current count
// without admitting anything. The read may momentarily lag concurrent
// writers.
func (l *Limiter) GetCurrentCount(ctx context.Context, scope string) (int64, error) {
	val, err := l.store.Get(ctx, key(scope))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseInt(val)
}

// ScopeCount pairs a scope with its observed count and configured limit,
// returned by Stats.
type ScopeCount struct {
	Scope string
	Count int64
	Limit int64
}

// Stats returns a best-effort snapshot for every scope in scopes, using the
// same limit for all of them except "global", which uses globalLimit.
func (l *Limiter) Stats(ctx context.Context, providerScopes []string, providerLimit, globalLimit int64) ([]ScopeCount, error) {
	out := make([]ScopeCount, 0, len(providerScopes)+1)

	for _, scope := range providerScopes {
		count, err := l.GetCurrentCount(ctx, scope)
		if err != nil {
			return nil, err
		}
		out = append(out, ScopeCount{Scope: scope, Count: count, Limit: providerLimit})
	}

	globalCount, err := l.GetCurrentCount(ctx, globalScope)
	if err != nil {
		return nil, err
	}
	out = append(out, ScopeCount{Scope: globalScope, Count: globalCount, Limit: globalLimit})

	return out, nil
}

func parseInt(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: decode counter %q: %w", s, err)
	}
	return n, nil
}
