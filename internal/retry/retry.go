// Package retry schedules a failed dispatch task to run again later without
// blocking a worker goroutine on time.Sleep: ScheduleRetry stores the task
// in a time-indexed sorted set, and a promoter goroutine moves due entries
// back onto the dispatch queue.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"sms-gateway/internal/kv"
	"sms-gateway/internal/queue"
)

const retryZSetKey = "queue:retry"

// Config controls the exponential backoff curve used by ScheduleRetry.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Scheduler promotes due retries from the sorted set back onto the
// dispatch queue.
type Scheduler struct {
	store kv.Store
	queue *queue.Queue
	cfg   Config
	nowFn func() time.Time
	rand  func() float64
}

// New returns a Scheduler using cfg's backoff curve.
func New(store kv.Store, q *queue.Queue, cfg Config) *Scheduler {
	return &Scheduler{store: store, queue: q, cfg: cfg, nowFn: time.Now, rand: rand.Float64}
}

// BackoffDelay returns the delay before the retry following attemptNumber's
// failure: base delay doubled per prior attempt (attemptNumber 1 waits ~1x
// base, 2 waits ~2x, 3 waits ~4x, ...), capped at MaxDelay, then jittered by
// up to ±20% so many simultaneously failing requests don't all wake up at
// once.
func (s *Scheduler) BackoffDelay(attemptNumber int) time.Duration {
	delay := float64(s.cfg.BaseDelay) * math.Pow(2, float64(attemptNumber-1))
	if cap := float64(s.cfg.MaxDelay); delay > cap {
		delay = cap
	}
	jitterFactor := 1 + (2*s.rand()-1)*0.2
	return time.Duration(delay * jitterFactor)
}

// ScheduleRetry places task into the retry set, due at now + BackoffDelay,
// scored by its due time in epoch milliseconds.
func (s *Scheduler) ScheduleRetry(ctx context.Context, task queue.Task, attemptNumber int) error {
	due := s.nowFn().Add(s.BackoffDelay(attemptNumber))

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("retry: encode task: %w", err)
	}
	return s.store.ZAdd(ctx, retryZSetKey, float64(due.UnixMilli()), string(payload))
}

// PromoteDue moves every retry entry due by now onto the dispatch queue.
// Multiple promoter instances may run concurrently (one per gateway
// process); ZRem's boolean return resolves the race so only the instance
// that actually removed an entry enqueues it.
func (s *Scheduler) PromoteDue(ctx context.Context) (int, error) {
	due, err := s.store.ZRangeByScore(ctx, retryZSetKey, math.Inf(-1), float64(s.nowFn().UnixMilli()), 0)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range due {
		won, err := s.store.ZRem(ctx, retryZSetKey, member.Member)
		if err != nil {
			return promoted, err
		}
		if !won {
			continue
		}

		var task queue.Task
		if err := json.Unmarshal([]byte(member.Member), &task); err != nil {
			log.Printf("retry: dropping unparseable retry entry: %v", err)
			continue
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RunPromoter calls PromoteDue every interval until ctx is canceled.
func (s *Scheduler) RunPromoter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PromoteDue(ctx)
			if err != nil {
				log.Printf("retry: promote cycle failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("retry: promoted %d due retr(y/ies)", n)
			}
		}
	}
}
