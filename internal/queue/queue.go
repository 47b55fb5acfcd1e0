// Package queue implements a durable dispatch queue backed by a Redis list,
// with a visibility-timeout hash standing in for an ack/nack protocol: a
// dequeued task is held in an in-flight hash until Ack removes it, and a
// reaper goroutine re-enqueues any claim whose visibility window elapsed
// without an Ack, so a worker crash mid-task does not lose it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"sms-gateway/internal/kv"
)

const (
	dispatchListKey = "queue:dispatch"
	inFlightHashKey = "queue:in_flight"
)

// Task is one unit of work: attempt delivery of a Request, excluding any
// providers already tried.
type Task struct {
	RequestID         string    `json:"request_id"`
	AttemptNumber     int       `json:"attempt_number"`
	ExcludedProviders []string  `json:"excluded_providers"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
}

// Queue wraps a kv.Store with dispatch-queue semantics.
type Queue struct {
	store             kv.Store
	visibilityTimeout time.Duration
	nowFn             func() time.Time
}

// New returns a Queue whose in-flight claims expire after visibilityTimeout
// if never Acked.
func New(store kv.Store, visibilityTimeout time.Duration) *Queue {
	return &Queue{store: store, visibilityTimeout: visibilityTimeout, nowFn: time.Now}
}

// Enqueue appends task to the dispatch list for a worker to pick up.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	return q.store.RPush(ctx, dispatchListKey, string(payload))
}

// claim is what's stored in the in-flight hash: the task plus the deadline
// by which it must be Acked or Nacked before the reaper reclaims it.
type claim struct {
	Task     Task      `json:"task"`
	Deadline time.Time `json:"deadline"`
}

// Dequeue blocks up to timeout for a task, moving it into the in-flight
// hash under claimID (the caller's own identity for this claim — see Ack/
// Nack). Returns kv.ErrNotFound if nothing arrived within timeout.
func (q *Queue) Dequeue(ctx context.Context, claimID string, timeout time.Duration) (Task, error) {
	raw, err := q.store.BLPop(ctx, dispatchListKey, timeout)
	if err != nil {
		return Task{}, err
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, fmt.Errorf("queue: decode task: %w", err)
	}

	c := claim{Task: task, Deadline: q.nowFn().Add(q.visibilityTimeout)}
	encoded, err := json.Marshal(c)
	if err != nil {
		return Task{}, fmt.Errorf("queue: encode claim: %w", err)
	}
	if err := q.store.HSet(ctx, inFlightHashKey, claimID, string(encoded)); err != nil {
		return Task{}, err
	}

	return task, nil
}

// Ack removes claimID from the in-flight hash once its task reached a
// terminal or requeued-elsewhere outcome.
func (q *Queue) Ack(ctx context.Context, claimID string) error {
	return q.store.HDel(ctx, inFlightHashKey, claimID)
}

// ReapExpired scans the in-flight hash for claims past their visibility
// deadline, re-enqueues their tasks, and clears the claim. It is meant to
// be called periodically by a single reaper goroutine.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	all, err := q.store.HGetAll(ctx, inFlightHashKey)
	if err != nil {
		return 0, err
	}

	reaped := 0
	now := q.nowFn()
	for claimID, raw := range all {
		var c claim
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			log.Printf("queue: dropping unparseable in-flight claim %s: %v", claimID, err)
			_ = q.store.HDel(ctx, inFlightHashKey, claimID)
			continue
		}
		if now.Before(c.Deadline) {
			continue
		}
		if err := q.Enqueue(ctx, c.Task); err != nil {
			return reaped, err
		}
		if err := q.store.HDel(ctx, inFlightHashKey, claimID); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// RunReaper calls ReapExpired every interval until ctx is canceled.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.ReapExpired(ctx)
			if err != nil {
				log.Printf("queue: reap cycle failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("queue: reaped %d expired in-flight claim(s)", n)
			}
		}
	}
}
