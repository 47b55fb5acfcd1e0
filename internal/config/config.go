// Package config loads gateway configuration from the environment, with
// defaults for everything except provider URLs and DATABASE_URL.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures every runtime option the gateway reads from the
// environment.
type Config struct {
	Port             int
	DatabaseURL      string
	RedisURL         string
	Providers        []ProviderConfig
	ProviderRateLimit int64
	TotalRateLimit    int64
	RateLimitWindow   time.Duration
	HealthWindowDuration   time.Duration
	HealthFailureThreshold float64
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DispatchTimeout  time.Duration
	WorkerConcurrency int
	VisibilityTimeout time.Duration
}

// ProviderConfig is one outbound SMS provider's static configuration.
type ProviderConfig struct {
	ID     string
	URL    string
	Weight int
}

// Load reads environment variables, applies defaults, and validates
// required values. A .env file in the working directory is loaded first if
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{
		Port:                   ldr.getInt("PORT", 8080),
		DatabaseURL:            ldr.getRequiredString("DATABASE_URL"),
		RedisURL:               ldr.getString("REDIS_URL", "redis://localhost:6379"),
		ProviderRateLimit:      ldr.getInt64("PROVIDER_RATE_LIMIT", 50),
		TotalRateLimit:         ldr.getInt64("TOTAL_RATE_LIMIT", 200),
		RateLimitWindow:        ldr.getDuration("RATE_LIMIT_WINDOW", time.Second),
		HealthWindowDuration:   ldr.getDuration("HEALTH_WINDOW_DURATION", 300*time.Second),
		HealthFailureThreshold: ldr.getFloat("HEALTH_FAILURE_THRESHOLD", 0.70),
		MaxAttempts:            ldr.getInt("MAX_ATTEMPTS", 5),
		RetryBaseDelay:         ldr.getDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:          ldr.getDuration("RETRY_MAX_DELAY", 60*time.Second),
		DispatchTimeout:        ldr.getDuration("DISPATCH_TIMEOUT", 5*time.Second),
		WorkerConcurrency:      ldr.getInt("WORKER_CONCURRENCY", 16),
		VisibilityTimeout:      ldr.getDuration("VISIBILITY_TIMEOUT", 30*time.Second),
	}

	for i := 1; i <= 3; i++ {
		key := fmt.Sprintf("PROVIDER%d_URL", i)
		url := ldr.getRequiredString(key)
		if url == "" {
			continue
		}
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			ID:     fmt.Sprintf("provider%d", i),
			URL:    url,
			Weight: ldr.getInt(fmt.Sprintf("PROVIDER%d_WEIGHT", i), 1),
		})
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) addError(msg string) {
	l.errs = append(l.errs, msg)
}

func (l *envLoader) getString(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val
		}
	}
	return def
}

func (l *envLoader) getRequiredString(key string) string {
	val := l.getString(key, "")
	if val == "" {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return val
}

func (l *envLoader) getInt(key string, def int) int {
	raw := l.getString(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return n
}

func (l *envLoader) getInt64(key string, def int64) int64 {
	raw := l.getString(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return n
}

func (l *envLoader) getFloat(key string, def float64) float64 {
	raw := l.getString(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getDuration(key string, def time.Duration) time.Duration {
	raw := l.getString(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration (e.g. \"5s\")", key))
		return def
	}
	return d
}
