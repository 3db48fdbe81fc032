package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/aggregate"
	"github.com/pulseboard/pulse/internal/cache"
	"github.com/pulseboard/pulse/internal/cursor"
	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/internal/ingest"
	"github.com/pulseboard/pulse/internal/metrics"
	"github.com/pulseboard/pulse/internal/store"
)

// RouterConfig carries the dependencies of the HTTP surface.
type RouterConfig struct {
	Ingestor     *ingest.Ingestor
	Engine       *aggregate.Engine
	Store        store.EventStore
	Cursor       *cursor.Codec
	CacheBackend cache.Backend
	Cache        cache.Config
	Health       *metrics.Registry
	Logger       *zap.Logger
	MaxBodyBytes int64

	// Outer wraps every route just inside request-ID assignment
	// (shutdown tracking).
	Outer []func(http.Handler) http.Handler
}

// NewRouter builds the API mux.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Health == nil {
		cfg.Health = &metrics.Registry{}
	}

	ingestHandler := NewIngestHandler(cfg.Ingestor, cfg.MaxBodyBytes)
	metricsHandler := NewMetricsHandler(cfg.Engine, cfg.CacheBackend, cfg.Cache)
	sessionsHandler := NewSessionsHandler(cfg.Store, cfg.Cursor)

	api := func(route string, h http.Handler) http.Handler {
		chain := append(append([]func(http.Handler) http.Handler{RequestIDMiddleware}, cfg.Outer...),
			CorrelationIDMiddleware,
			ObservabilityMiddleware(logger, route),
			RecoveryMiddleware(logger),
			ContentTypeMiddleware,
		)
		return ChainMiddleware(chain...)(h)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/events", api("events", ingestHandler))
	mux.Handle("/v1/metrics/overview", api("overview", http.HandlerFunc(metricsHandler.Overview)))
	mux.Handle("/v1/metrics/timeseries", api("timeseries", http.HandlerFunc(metricsHandler.Timeseries)))
	mux.Handle("/v1/sessions", api("sessions", http.HandlerFunc(sessionsHandler.List)))
	mux.Handle("/v1/sessions/{id}/events", api("session_events", http.HandlerFunc(sessionsHandler.Events)))
	mux.Handle("/v1/", api("not_found", http.HandlerFunc(notFound)))
	mux.HandleFunc("/health", cfg.Health.HealthHandler())
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, errors.NewRequestError(errors.CodeNotFound, "no route for "+r.URL.Path))
}
