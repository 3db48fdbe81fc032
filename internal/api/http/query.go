package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/pulseboard/pulse/internal/aggregate"
	"github.com/pulseboard/pulse/internal/cache"
	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

// OverviewResponse is the body of GET /v1/metrics/overview.
type OverviewResponse struct {
	*types.MetricsSnapshot
	Meta Meta `json:"meta"`
}

// TimeseriesResponse is the body of GET /v1/metrics/timeseries.
type TimeseriesResponse struct {
	*types.TimeseriesSeries
	Meta Meta `json:"meta"`
}

// MetricsHandler serves aggregated metrics through the result cache.
type MetricsHandler struct {
	engine     *aggregate.Engine
	overviews  *cache.Cache[*types.MetricsSnapshot]
	timeseries *cache.Cache[*types.TimeseriesSeries]
}

// NewMetricsHandler creates a metrics handler. Both caches share backend.
func NewMetricsHandler(engine *aggregate.Engine, backend cache.Backend, cfg cache.Config) *MetricsHandler {
	return &MetricsHandler{
		engine:     engine,
		overviews:  cache.New[*types.MetricsSnapshot](backend, "pulse|", cfg, nil),
		timeseries: cache.New[*types.TimeseriesSeries](backend, "pulse|", cfg, nil),
	}
}

// Overview handles GET /v1/metrics/overview.
func (h *MetricsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()

	period, err := aggregate.ParsePeriodSpec(q.Get("period"), q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	compare, err := parseBool(q.Get("compare"), "compare")
	if err != nil {
		writeError(w, r, err)
		return
	}
	query := aggregate.OverviewQuery{
		OrgID:   OrgID(r),
		Period:  period,
		Compare: compare,
		Metrics: splitList(q.Get("metrics")),
	}

	snap, meta, err := h.overviews.GetOrCompute(r.Context(), query.CacheKey(),
		func(ctx context.Context) (*types.MetricsSnapshot, error) {
			return h.engine.Overview(ctx, query)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OverviewResponse{
		MetricsSnapshot: snap,
		Meta:            cacheMeta(meta.Hit, meta.TTL, GetRequestID(r.Context())),
	})
}

// Timeseries handles GET /v1/metrics/timeseries.
func (h *MetricsHandler) Timeseries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()

	period, err := aggregate.ParsePeriodSpec(q.Get("period"), q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	query := aggregate.TimeseriesQuery{
		OrgID:       OrgID(r),
		Metric:      q.Get("metric"),
		Period:      period,
		Granularity: types.Granularity(q.Get("granularity")),
	}
	// reject bad requests before touching the cache
	if err := aggregate.CheckMetric(query.Metric); err != nil {
		writeError(w, r, err)
		return
	}

	series, meta, err := h.timeseries.GetOrCompute(r.Context(), query.CacheKey(),
		func(ctx context.Context) (*types.TimeseriesSeries, error) {
			return h.engine.Timeseries(ctx, query)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TimeseriesResponse{
		TimeseriesSeries: series,
		Meta:             cacheMeta(meta.Hit, meta.TTL, GetRequestID(r.Context())),
	})
}

func parseBool(raw, field string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.NewRequestError(errors.CodeInvalidParameter, field+" must be true or false").WithField(field)
	}
	return v, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
