// Package admin exposes read views and test-only reset endpoints over the
// dispatch pipeline's internal state: rate limits, health, distribution
// deficits, and persisted requests.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sms-gateway/internal/distribution"
	"sms-gateway/internal/health"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/store"
)

// Handler serves the admin/observability HTTP surface.
type Handler struct {
	limiter       *ratelimit.Limiter
	tracker       *health.Tracker
	engine        *distribution.Engine
	recorder      store.Recorder
	providerLimit int64
	globalLimit   int64
}

// New returns a Handler over the pipeline's live collaborators.
func New(limiter *ratelimit.Limiter, tracker *health.Tracker, engine *distribution.Engine, recorder store.Recorder, providerLimit, globalLimit int64) *Handler {
	return &Handler{
		limiter: limiter, tracker: tracker, engine: engine, recorder: recorder,
		providerLimit: providerLimit, globalLimit: globalLimit,
	}
}

// Register wires every admin route onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /rate-limits", h.RateLimits)
	mux.HandleFunc("GET /health", h.HealthAll)
	mux.HandleFunc("GET /health/{provider}", h.HealthOne)
	mux.HandleFunc("POST /health/{provider}/reset", h.HealthReset)
	mux.HandleFunc("GET /distribution-stats", h.DistributionStats)
	mux.HandleFunc("POST /distribution/reset", h.DistributionReset)
	mux.HandleFunc("GET /requests", h.ListRequests)
	mux.HandleFunc("GET /requests/{id}", h.RequestDetail)
}

func (h *Handler) RateLimits(w http.ResponseWriter, r *http.Request) {
	providerIDs := providerScopes(h.engine)
	stats, err := h.limiter.Stats(r.Context(), providerIDs, h.providerLimit, h.globalLimit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HealthAll(w http.ResponseWriter, r *http.Request) {
	out := make([]health.Status, 0)
	for _, p := range h.engine.Providers() {
		status, err := h.tracker.Status(r.Context(), p.ID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		out = append(out, status)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) HealthOne(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")
	status, err := h.tracker.Status(r.Context(), providerID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) HealthReset(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")
	if err := h.tracker.Reset(r.Context(), providerID); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DistributionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) DistributionReset(w http.ResponseWriter, r *http.Request) {
	for _, p := range h.engine.Providers() {
		if err := h.engine.Reset(r.Context(), p.ID); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := store.ListFilter{
		Status:     store.RequestStatus(query.Get("status")),
		ProviderID: query.Get("provider"),
	}

	if raw := query.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
		filter.From = from
	}
	if raw := query.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
			return
		}
		filter.To = to
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
		filter.Limit = limit
	}

	requests, err := h.recorder.ListRequests(filter)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if requests == nil {
		requests = []*store.Request{}
	}
	writeJSON(w, http.StatusOK, requests)
}

// requestDetail bundles a Request with its Attempt history for the detail
// view.
type requestDetail struct {
	*store.Request
	Attempts []*store.Attempt `json:"attempts"`
}

func (h *Handler) RequestDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := h.recorder.GetRequest(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	attempts, err := h.recorder.ListAttempts(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, requestDetail{Request: req, Attempts: attempts})
}

func providerScopes(engine *distribution.Engine) []string {
	providers := engine.Providers()
	scopes := make([]string, len(providers))
	for i, p := range providers {
		scopes[i] = p.ID
	}
	return scopes
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	http.Error(w, strings.TrimSpace(err.Error()), status)
}
