package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"sms-gateway/internal/admin"
	"sms-gateway/internal/config"
	"sms-gateway/internal/dispatch"
	"sms-gateway/internal/distribution"
	"sms-gateway/internal/health"
	"sms-gateway/internal/intake"
	"sms-gateway/internal/kv"
	"sms-gateway/internal/provider"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/retry"
	"sms-gateway/internal/store"
)

func main() {
	log.Printf("=== SMS Gateway ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("Database URL: %s", maskPassword(cfg.DatabaseURL))
	log.Printf("Redis URL: %s", maskPassword(cfg.RedisURL))
	for _, p := range cfg.Providers {
		log.Printf("Provider %s: %s (weight=%d)", p.ID, p.URL, p.Weight)
	}

	ctx, cancel := context.WithCancel(context.Background())

	kvStore, err := kv.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}

	pgStore, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pgStore.Close()

	limiter := ratelimit.New(kvStore, cfg.RateLimitWindow)
	tracker := health.New(kvStore, health.Config{
		WindowDuration:   cfg.HealthWindowDuration,
		FailureThreshold: cfg.HealthFailureThreshold,
	})

	var distProviders []distribution.Provider
	urls := make(map[string]string, len(cfg.Providers))
	for _, p := range cfg.Providers {
		distProviders = append(distProviders, distribution.Provider{
			ID: p.ID, URL: p.URL, Weight: p.Weight, PerSecondLimit: cfg.ProviderRateLimit,
		})
		urls[p.ID] = p.URL
	}
	engine := distribution.New(kvStore, tracker, limiter, distProviders)
	registry := provider.NewRegistry(urls)

	q := queue.New(kvStore, cfg.VisibilityTimeout)
	scheduler := retry.New(kvStore, q, retry.Config{BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay})
	client := provider.New(cfg.DispatchTimeout)

	runner := dispatch.New(engine, tracker, client, pgStore, scheduler, registry, dispatch.Config{
		MaxAttempts: cfg.MaxAttempts,
		SendTimeout: cfg.DispatchTimeout,
	})

	in := intake.New(limiter, cfg.TotalRateLimit, pgStore, q)
	adminHandler := admin.New(limiter, tracker, engine, pgStore, cfg.ProviderRateLimit, cfg.TotalRateLimit)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", sendSMSHandler(in))
	adminHandler.Register(mux)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	go q.RunReaper(ctx, 5*time.Second)
	go scheduler.RunPromoter(ctx, 200*time.Millisecond)

	var workers sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			dispatchWorker(ctx, id, q, runner)
		}(i)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("shutdown signal received, draining...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("listening on :%d", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}

	workers.Wait()
	log.Printf("shutdown complete")
}

func dispatchWorker(ctx context.Context, id int, q *queue.Queue, runner *dispatch.Runner) {
	claimPrefix := fmt.Sprintf("worker-%d", id)
	n := 0
	for {
		if ctx.Err() != nil {
			return
		}
		claimID := fmt.Sprintf("%s-%d", claimPrefix, n)
		task, err := q.Dequeue(ctx, claimID, 5*time.Second)
		n++
		if err == kv.ErrNotFound {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker %d: dequeue failed: %v", id, err)
			continue
		}
		if err := runner.Run(ctx, task); err != nil {
			// Left un-acked: the reaper redelivers it once the claim expires.
			log.Printf("worker %d: dispatch failed for %s: %v", id, task.RequestID, err)
			continue
		}
		if err := q.Ack(ctx, claimID); err != nil {
			log.Printf("worker %d: ack failed for %s: %v", id, task.RequestID, err)
		}
	}
}

type sendSMSRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

func sendSMSHandler(in *intake.Intake) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendSMSRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.Phone == "" || req.Text == "" {
			http.Error(w, "phone and text are required", http.StatusBadRequest)
			return
		}

		result, err := in.QueueSMS(r.Context(), req.Phone, req.Text)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		switch result.Kind {
		case intake.Queued:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"request_id": result.RequestID})
		case intake.GlobalRateLimited:
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		default:
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		}
	}
}

func maskPassword(url string) string {
	if strings.Contains(url, "://") && strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			schemeParts := strings.Split(parts[0], "://")
			if len(schemeParts) == 2 {
				return schemeParts[0] + "://***@" + parts[1]
			}
		}
	}
	return url
}
