// Package intake accepts a new SMS send request: admits it against the
// global rate limit, persists it, and enqueues its first dispatch task.
package intake

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"sms-gateway/internal/queue"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/store"
)

// ResultKind is the outcome of QueueSMS.
type ResultKind int

const (
	// Queued means the request was admitted, persisted, and enqueued.
	Queued ResultKind = iota
	// GlobalRateLimited means the global cap was already saturated; the
	// request is not persisted and has no Request row.
	GlobalRateLimited
	// ServiceUnavailable means admission succeeded but persistence or the
	// enqueue failed afterward (RequestID is set only in the enqueue case).
	// The admission is not refunded: at most one attempt is spent per
	// accepted request, even if this one never became durable.
	ServiceUnavailable
)

// Result is the outcome of one QueueSMS call.
type Result struct {
	Kind      ResultKind
	RequestID string
}

// Intake wires the global rate limiter, persistence, and dispatch queue
// behind the single QueueSMS entrypoint.
type Intake struct {
	limiter     *ratelimit.Limiter
	globalLimit int64
	recorder    store.Recorder
	queue       *queue.Queue
	nowFn       func() time.Time
	newID       func() string
}

// New returns an Intake enforcing globalLimit admissions per second.
func New(limiter *ratelimit.Limiter, globalLimit int64, recorder store.Recorder, q *queue.Queue) *Intake {
	return &Intake{
		limiter: limiter, globalLimit: globalLimit, recorder: recorder, queue: q,
		nowFn: time.Now, newID: func() string { return uuid.NewString() },
	}
}

// QueueSMS admits, persists, and enqueues one send request for (phone,
// text). A rejection at the global cap never touches persistence.
func (in *Intake) QueueSMS(ctx context.Context, phone, text string) (Result, error) {
	decision, err := in.limiter.AdmitGlobal(ctx, in.globalLimit)
	if err != nil {
		return Result{}, fmt.Errorf("intake: global admission check: %w", err)
	}
	if !decision.Admitted {
		return Result{Kind: GlobalRateLimited}, nil
	}

	now := in.nowFn()
	req := &store.Request{
		ID:        in.newID(),
		Phone:     phone,
		Text:      text,
		Status:    store.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.recorder.CreateRequest(req); err != nil {
		log.Printf("intake: persist request failed after admission: %v", err)
		return Result{Kind: ServiceUnavailable}, nil
	}

	task := queue.Task{RequestID: req.ID, AttemptNumber: 1, EnqueuedAt: now}
	if err := in.queue.Enqueue(ctx, task); err != nil {
		log.Printf("intake: enqueue failed after persistence for %s: %v", req.ID, err)
		return Result{Kind: ServiceUnavailable, RequestID: req.ID}, nil
	}

	return Result{Kind: Queued, RequestID: req.ID}, nil
}
