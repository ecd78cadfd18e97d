package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"github.com/codefionn/meterproxy/meterproxy-srv/stats"
)

const (
	defaultTargetLimit = 10
	maxTargetLimit     = 1000
)

// Handler serves requests addressed to the proxy itself: health, metrics
// and the accounting API.
type Handler struct {
	sinks     *stats.Sinks
	health    *stats.HealthChecker
	mux       *http.ServeMux
	startTime time.Time
	requests  atomic.Int64
}

// NewHandler creates the local request handler for sinks.
func NewHandler(sinks *stats.Sinks) *Handler {
	if sinks == nil {
		sinks = &stats.Sinks{Collector: stats.NewDummyCollector()}
	}
	h := &Handler{
		sinks:     sinks,
		health:    stats.NewHealthChecker(sinks.Collector),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}

	h.mux.HandleFunc("GET /healthz", h.serveHealth)
	h.mux.HandleFunc("GET /api/stats", h.serveStats)
	h.mux.HandleFunc("GET /api/traffic", h.serveTraffic)
	h.mux.HandleFunc("GET /api/targets", h.serveTargets)
	if sinks.Prometheus != nil {
		h.mux.Handle("GET /metrics", sinks.Prometheus.Handler())
	}
	return h
}

// ServeHTTP handles a local request
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.requests.Add(1)
	logger.Debug("Admin request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	h.mux.ServeHTTP(w, r)
}

// Requests returns the number of requests served.
func (h *Handler) Requests() int64 {
	return h.requests.Load()
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)+1))
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// HealthStatus is the body of /healthz
type HealthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Uptime string `json:"uptime"`
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "ok", Uptime: time.Since(h.startTime).Round(time.Second).String()}
	if err := h.health.Check(r.Context()); err != nil {
		status.Status = "degraded"
		status.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	overview, err := h.sinks.Collector.GetOverviewStats(r.Context())
	if err != nil {
		logger.Error("Failed to query overview stats: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (h *Handler) serveTraffic(w http.ResponseWriter, _ *http.Request) {
	if h.sinks.Aggregator == nil {
		writeJSON(w, http.StatusOK, stats.TrafficSnapshot{Buckets: []stats.BucketSnapshot{}, TakenAt: time.Now()})
		return
	}
	writeJSON(w, http.StatusOK, h.sinks.Aggregator.Snapshot())
}

func (h *Handler) serveTargets(w http.ResponseWriter, r *http.Request) {
	limit := defaultTargetLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxTargetLimit)
	}

	targets, err := h.sinks.Collector.GetTopTargets(r.Context(), limit)
	if err != nil {
		logger.Error("Failed to query top targets: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}
	if targets == nil {
		targets = []stats.TargetStats{}
	}
	writeJSON(w, http.StatusOK, targets)
}
