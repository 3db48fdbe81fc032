// Package metrics exposes Prometheus collectors and health checks.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	IngestBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_ingest_batches_total",
		Help: "Batches received by outcome",
	}, []string{"outcome"})
	EventsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_events_accepted_total",
		Help: "Events accepted, including duplicates",
	})
	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_events_duplicate_total",
		Help: "Accepted events whose event_id was already stored",
	})
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_rejected_total",
		Help: "Events rejected by error code",
	}, []string{"code"})
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_ingest_batch_size",
		Help:    "Events per submitted batch",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
	})

	// Store metrics
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_store_retries_total",
		Help: "Retried store operations",
	}, []string{"operation"})
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_store_operation_duration_seconds",
		Help:    "Event store operation latency",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"operation"})

	// Aggregation metrics
	AggregationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_aggregation_duration_seconds",
		Help:    "Aggregation computation time",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"kind"})
	AggregationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_aggregation_errors_total",
		Help: "Failed aggregations by code",
	}, []string{"code"})

	// Cache metrics
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_cache_hit_total",
		Help: "Total cache hits",
	}, []string{"backend"})
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_cache_miss_total",
		Help: "Total cache misses",
	}, []string{"backend"})
	CacheComputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_cache_computations_total",
		Help: "Underlying computations run on cache miss (after single-flight)",
	})
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_cache_errors_total",
		Help: "Cache backend errors by operation",
	}, []string{"backend", "operation"})

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// Archive metrics
	ArchiveSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_archive_segments_total",
		Help: "Archive segments written by status",
	}, []string{"status"})
	ArchiveEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_archive_events_total",
		Help: "Events written to archive segments",
	})
)

func init() {
	IngestBatches.WithLabelValues("ok")
	IngestBatches.WithLabelValues("rejected")
	StoreRetries.WithLabelValues("append")
	AggregationDuration.WithLabelValues("overview")
	AggregationDuration.WithLabelValues("timeseries")
	CacheHits.WithLabelValues("memory")
	CacheMisses.WithLabelValues("memory")
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// HealthCheck holds a single named health check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// Registry holds health checks. The zero value is ready to use.
type Registry struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

// Register adds a health check.
func (r *Registry) Register(name string, check func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, HealthCheck{Name: name, Check: check})
}

// Run executes all registered checks.
func (r *Registry) Run(ctx context.Context) HealthStatus {
	r.mu.RLock()
	checks := make([]HealthCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}
	for _, hc := range checks {
		if err := hc.Check(ctx); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthHandler serves the registry as JSON; degraded health returns 503.
func (r *Registry) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()
		status := r.Run(ctx)
		w.Header().Set("Content-Type", "application/json")
		if status.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	}
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
