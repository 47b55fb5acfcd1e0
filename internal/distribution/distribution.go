// Package distribution selects a provider for a dispatch attempt, honoring
// health, per-provider rate limits, weights, and a caller-supplied
// exclusion set.
//
// Selection uses smooth weighted round-robin: admission is attempted last,
// and only committed for the eventual winner, so a candidate rejected by
// the rate limiter never burns another candidate's chance to be picked.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"sms-gateway/internal/health"
	"sms-gateway/internal/kv"
	"sms-gateway/internal/ratelimit"
)

// ErrNoProviderAvailable is returned when every candidate is excluded,
// unhealthy, or rate limited.
var ErrNoProviderAvailable = errors.New("distribution: no provider available")

// Provider is the static configuration for one outbound SMS provider.
type Provider struct {
	ID       string
	URL      string
	Weight   int
	PerSecondLimit int64
}

// Engine selects a provider for each dispatch attempt.
type Engine struct {
	store     kv.Store
	health    *health.Tracker
	limiter   *ratelimit.Limiter
	providers map[string]Provider
	order     []string // stable, lex-sorted provider ids
}

// New returns an Engine over the given providers. Providers with a
// non-positive Weight default to weight 1.
func New(store kv.Store, tracker *health.Tracker, limiter *ratelimit.Limiter, providers []Provider) *Engine {
	m := make(map[string]Provider, len(providers))
	order := make([]string, 0, len(providers))
	for _, p := range providers {
		if p.Weight <= 0 {
			p.Weight = 1
		}
		m[p.ID] = p
		order = append(order, p.ID)
	}
	sort.Strings(order)

	return &Engine{store: store, health: tracker, limiter: limiter, providers: m, order: order}
}

func deficitKey(providerID string) string {
	return fmt.Sprintf("distribution:deficit:%s", providerID)
}

// Select picks a provider not in excluded, favoring healthy, admissible
// candidates by smooth weighted round-robin. Every candidate's deficit is
// bumped by its weight up front; the highest-deficit candidate is tried for
// rate-limiter admission, and only the winner's deficit is drawn down. A
// candidate rejected by the rate limiter is dropped and the next
// highest-deficit candidate is tried, so losing candidates never consume an
// admission slot.
func (e *Engine) Select(ctx context.Context, excluded map[string]struct{}) (string, error) {
	candidates, err := e.healthyCandidates(ctx, excluded)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoProviderAvailable
	}

	deficits, err := e.bumpDeficits(ctx, candidates)
	if err != nil {
		return "", err
	}

	remaining := append([]string(nil), candidates...)
	for len(remaining) > 0 {
		winner := highestDeficit(remaining, deficits)

		decision, err := e.limiter.AdmitProvider(ctx, winner, e.providers[winner].PerSecondLimit)
		if err != nil {
			return "", err
		}
		if decision.Admitted {
			if err := e.drawDown(ctx, winner, remaining); err != nil {
				return "", err
			}
			return winner, nil
		}

		remaining = removeString(remaining, winner)
	}

	return "", ErrNoProviderAvailable
}

func (e *Engine) healthyCandidates(ctx context.Context, excluded map[string]struct{}) ([]string, error) {
	candidates := make([]string, 0, len(e.order))
	for _, id := range e.order {
		if _, isExcluded := excluded[id]; isExcluded {
			continue
		}
		healthy, err := e.health.IsHealthy(ctx, id)
		if err != nil {
			return nil, err
		}
		if !healthy {
			continue
		}
		candidates = append(candidates, id)
	}
	return candidates, nil
}

// bumpDeficits adds each candidate's weight to its persistent deficit
// counter and returns the post-bump values, per the standard smooth
// weighted round-robin algorithm.
func (e *Engine) bumpDeficits(ctx context.Context, candidates []string) (map[string]int64, error) {
	deficits := make(map[string]int64, len(candidates))
	for _, id := range candidates {
		weight := int64(e.providers[id].Weight)
		key := deficitKey(id)
		var total int64
		for i := int64(0); i < weight; i++ {
			n, err := e.store.Incr(ctx, key)
			if err != nil {
				return nil, err
			}
			total = n
		}
		deficits[id] = total
	}
	return deficits, nil
}

// drawDown subtracts the sum of every remaining candidate's weight from the
// winner's deficit, matching the "subtract total weight from the chosen
// one" step of smooth WRR. Only the winner is drawn down: losing candidates
// keep the deficit they were bumped by, so they are more likely to win next
// time (this is what makes the schedule "smooth" rather than bursty).
func (e *Engine) drawDown(ctx context.Context, winner string, remaining []string) error {
	var totalWeight int64
	for _, id := range remaining {
		totalWeight += int64(e.providers[id].Weight)
	}
	key := deficitKey(winner)
	for i := int64(0); i < totalWeight; i++ {
		if _, err := e.store.Decr(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// highestDeficit returns the candidate with the highest deficit, ties
// broken by lexicographic provider id (candidates is already sorted, so the
// first candidate encountered at the max deficit wins).
func highestDeficit(candidates []string, deficits map[string]int64) string {
	best := candidates[0]
	bestScore := deficits[best]
	for _, id := range candidates[1:] {
		if deficits[id] > bestScore {
			best = id
			bestScore = deficits[id]
		}
	}
	return best
}

func removeString(items []string, target string) []string {
	out := items[:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}

// Reset zeroes providerID's deficit counter, used by the admin adapter's
// distribution reset endpoint.
func (e *Engine) Reset(ctx context.Context, providerID string) error {
	return e.store.Del(ctx, deficitKey(providerID))
}

// Stats returns the current deficit for every configured provider,
// best-effort, for the admin adapter's read view.
func (e *Engine) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(e.order))
	for _, id := range e.order {
		val, err := e.store.Get(ctx, deficitKey(id))
		if err == kv.ErrNotFound {
			out[id] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		var n int64
		if _, scanErr := fmt.Sscanf(val, "%d", &n); scanErr != nil {
			return nil, fmt.Errorf("distribution: decode deficit %q: %w", val, scanErr)
		}
		out[id] = n
	}
	return out, nil
}

// Providers returns the configured provider list, in lex order.
func (e *Engine) Providers() []Provider {
	out := make([]Provider, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.providers[id])
	}
	return out
}
