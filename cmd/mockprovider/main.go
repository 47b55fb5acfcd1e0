package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"
)

// sendRequest mirrors the payload internal/provider posts to a provider.
type sendRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

func main() {
	port := getEnvOrDefault("PORT", "9000")
	failRate := getEnvFloat("FAIL_RATE", 0)
	failStatus := getEnvInt("FAIL_STATUS", http.StatusInternalServerError)
	latency := getEnvDuration("LATENCY", 0)

	log.Printf("=== Mock SMS Provider ===")
	log.Printf("Port: %s", port)
	log.Printf("Fail rate: %.2f (status %d on failure)", failRate, failStatus)
	if latency > 0 {
		log.Printf("Injected latency: %s", latency)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", sendHandler(failRate, failStatus, latency))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatalf("mock provider: %v", err)
	}
}

func sendHandler(failRate float64, failStatus int, latency time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.Phone == "" || req.Text == "" {
			http.Error(w, "phone and text are required", http.StatusBadRequest)
			return
		}

		if latency > 0 {
			time.Sleep(latency)
		}

		if failRate > 0 && rand.Float64() < failRate {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(failStatus)
			json.NewEncoder(w).Encode(map[string]string{"status": "rejected"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
