// Package dispatch orchestrates one attempt at delivering a Request: pick a
// provider, call it, record the outcome, and route the result to success,
// retry, or dead-letter.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"sms-gateway/internal/distribution"
	"sms-gateway/internal/health"
	"sms-gateway/internal/provider"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/retry"
	"sms-gateway/internal/store"
)

// Config bounds how many attempts a Request gets before it is dead-lettered.
type Config struct {
	MaxAttempts int
	SendTimeout time.Duration
}

// ProviderRegistry resolves a provider id to its outbound URL.
type ProviderRegistry interface {
	URLFor(providerID string) (string, bool)
}

// Runner drives one task through distribution, the outbound client, and
// persistence, then decides whether to retry or dead-letter.
type Runner struct {
	engine    *distribution.Engine
	health    *health.Tracker
	client    *provider.Client
	recorder  store.Recorder
	scheduler *retry.Scheduler
	registry  ProviderRegistry
	cfg       Config
	nowFn     func() time.Time
}

// New returns a Runner wiring every collaborator a dispatch attempt needs.
func New(engine *distribution.Engine, tracker *health.Tracker, client *provider.Client, recorder store.Recorder, scheduler *retry.Scheduler, registry ProviderRegistry, cfg Config) *Runner {
	return &Runner{
		engine: engine, health: tracker, client: client, recorder: recorder,
		scheduler: scheduler, registry: registry, cfg: cfg, nowFn: time.Now,
	}
}

// Run executes task:
//
//  1. Load the request. If it's already terminal, this is a duplicate
//     redelivery of an already-handled task: no-op.
//  2. Ask distribution.Select for a provider, excluding task's excluded set.
//  3. If no provider is available, schedule a retry with the exclusion set
//     unchanged — a provider may become healthy or admit again by the time
//     the retry fires. This does not create an Attempt row, but does count
//     against the attempt budget, so a persistently empty candidate pool
//     still terminates at MaxAttempts rather than retrying forever.
//  4. Otherwise mark the request IN_FLIGHT, recording the chosen provider
//     and attempt number before the call is made.
//  5. Call the provider with a bounded timeout.
//  6. Record the attempt.
//  7. Tell health about the outcome.
//  8. On success: mark SUCCEEDED.
//  9. On a permanent failure, or a transient failure with no attempt
//     budget left: mark FAILED_PERMANENT and record a dead letter.
//     Otherwise: schedule a retry with the provider added to the excluded
//     set, so the next attempt tries a different one.
func (r *Runner) Run(ctx context.Context, task queue.Task) error {
	req, err := r.recorder.GetRequest(task.RequestID)
	if err != nil {
		return fmt.Errorf("dispatch: load request %s: %w", task.RequestID, err)
	}
	if req.Status == store.StatusSucceeded || req.Status == store.StatusFailedPermanent {
		return nil
	}

	excluded := toSet(task.ExcludedProviders)
	providerID, selectErr := r.engine.Select(ctx, excluded)
	if selectErr != nil {
		return r.retryOrDeadLetter(ctx, req, task, task.ExcludedProviders)
	}

	now := r.nowFn()
	if err := r.recorder.MarkInFlight(req.ID, providerID, task.AttemptNumber, task.ExcludedProviders, now); err != nil {
		return fmt.Errorf("dispatch: mark in-flight: %w", err)
	}

	url, ok := r.registry.URLFor(providerID)
	if !ok {
		return fmt.Errorf("dispatch: no URL registered for provider %s", providerID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	started := r.nowFn()
	outcome := r.client.Send(sendCtx, url, req.Phone, req.Text)
	cancel()
	ended := r.nowFn()

	attempt := &store.Attempt{
		RequestID:             req.ID,
		AttemptNumber:         task.AttemptNumber,
		ProviderID:            providerID,
		StartedAt:             started,
		EndedAt:               ended,
		Status:                store.AttemptStatus(outcome.Status),
		HTTPStatus:            outcome.HTTPStatus,
		ResponseBodyTruncated: outcome.ResponseBodyTruncated,
		ErrorMessage:          outcome.ErrorMessage,
	}
	if err := r.recorder.AppendAttempt(attempt); err != nil {
		return fmt.Errorf("dispatch: record attempt: %w", err)
	}

	if err := r.recordHealth(ctx, providerID, outcome.Status); err != nil {
		log.Printf("dispatch: health update failed for %s: %v", providerID, err)
	}

	switch outcome.Status {
	case provider.StatusOK:
		return r.recorder.MarkSucceeded(req.ID, ended)

	case provider.StatusErrorPermanent:
		return r.deadLetter(req, task.AttemptNumber, store.ReasonMaxAttemptsExceeded)

	default: // ERROR_TRANSIENT, TIMEOUT
		return r.retryOrDeadLetter(ctx, req, task, append(append([]string(nil), task.ExcludedProviders...), providerID))
	}
}

func (r *Runner) retryOrDeadLetter(ctx context.Context, req *store.Request, task queue.Task, nextExcluded []string) error {
	if task.AttemptNumber >= r.cfg.MaxAttempts {
		return r.deadLetter(req, task.AttemptNumber, store.ReasonMaxAttemptsExceeded)
	}
	nextTask := queue.Task{
		RequestID:         req.ID,
		AttemptNumber:     task.AttemptNumber + 1,
		ExcludedProviders: nextExcluded,
		EnqueuedAt:        r.nowFn(),
	}
	return r.scheduler.ScheduleRetry(ctx, nextTask, task.AttemptNumber)
}

func (r *Runner) recordHealth(ctx context.Context, providerID string, status provider.AttemptStatus) error {
	if status == provider.StatusOK {
		return r.health.RecordSuccess(ctx, providerID)
	}
	return r.health.RecordFailure(ctx, providerID)
}

func (r *Runner) deadLetter(req *store.Request, attemptsSnapshot int, reason store.DeadLetterReason) error {
	now := r.nowFn()
	if err := r.recorder.MarkFailedPermanent(req.ID, now); err != nil {
		return fmt.Errorf("dispatch: mark failed permanent: %w", err)
	}
	dl := &store.DeadLetter{RequestID: req.ID, Reason: reason, AttemptsSnapshot: attemptsSnapshot, CreatedAt: now}
	if err := r.recorder.RecordDeadLetter(dl); err != nil {
		return fmt.Errorf("dispatch: record dead letter: %w", err)
	}
	return nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
