// Package aggregate derives metrics snapshots and timeseries from the event
// store. Every result is a pure function of the stored events, the scope and
// the resolved period.
package aggregate

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/internal/metrics"
	"github.com/pulseboard/pulse/internal/store"
	"github.com/pulseboard/pulse/internal/telemetry"
	"github.com/pulseboard/pulse/pkg/types"
)

// OverviewQuery selects a metrics snapshot.
type OverviewQuery struct {
	OrgID   string
	Period  PeriodSpec
	Compare bool

	// Metrics restricts the snapshot; empty means OverviewMetrics.
	Metrics []string
}

// CacheKey identifies the query for result caching.
func (q OverviewQuery) CacheKey() string {
	selected := q.selected()
	sorted := append([]string(nil), selected...)
	sort.Strings(sorted)
	return fmt.Sprintf("overview|%s|%s|%s|compare=%t", q.OrgID, strings.Join(sorted, ","), q.Period.key(), q.Compare)
}

func (q OverviewQuery) selected() []string {
	if len(q.Metrics) == 0 {
		return OverviewMetrics
	}
	return q.Metrics
}

// TimeseriesQuery selects one bucketed metric.
type TimeseriesQuery struct {
	OrgID  string
	Metric string
	Period PeriodSpec

	// Granularity may be empty to pick one from the period length.
	Granularity types.Granularity
}

// CacheKey identifies the query for result caching.
func (q TimeseriesQuery) CacheKey() string {
	return fmt.Sprintf("timeseries|%s|%s|%s|%s", q.OrgID, q.Metric, q.Period.key(), q.Granularity)
}

// Config tunes the engine.
type Config struct {
	// QueryTimeout bounds a single aggregation
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

// Engine computes aggregations over an EventStore.
type Engine struct {
	store  store.EventStore
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock sets the clock used to resolve period presets.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine reading from st.
func NewEngine(st store.EventStore, cfg Config, opts ...Option) *Engine {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	e := &Engine{
		store:  st,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
		tracer: telemetry.Tracer("aggregate"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Overview computes the selected metrics for the period and, when requested,
// their comparison against the preceding period of equal length.
func (e *Engine) Overview(ctx context.Context, q OverviewQuery) (*types.MetricsSnapshot, error) {
	selected := q.selected()
	for _, m := range selected {
		if err := CheckMetric(m); err != nil {
			return nil, err
		}
	}
	period, err := q.Period.Resolve(e.now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "aggregate.overview", trace.WithAttributes(
		attribute.String("pulse.org_id", q.OrgID),
		attribute.Bool("pulse.compare", q.Compare),
	))
	defer span.End()
	start := time.Now()
	defer metrics.ObserveSince(metrics.AggregationDuration.WithLabelValues("overview"), start)

	current := newAccumulator()
	var previous *accumulator
	scan := store.Range{Start: period.Start, End: period.End}
	if q.Compare {
		previous = newAccumulator()
		scan.Start = period.Previous().Start
	}

	err = e.store.Scan(ctx, q.OrgID, scan, func(ev *types.Event) error {
		if ev.Timestamp.Before(period.Start) {
			previous.add(ev)
		} else {
			current.add(ev)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail(span, "overview", err)
	}

	snap := &types.MetricsSnapshot{
		Period:  period,
		Metrics: make(map[string]types.MetricValue, len(selected)),
	}
	for _, name := range selected {
		mv := types.MetricValue{Value: current.value(name), Unit: Unit(name)}
		if previous != nil {
			prev := previous.value(name)
			mv.Previous = &prev
			mv.ChangePercent, mv.Trend = Compare(mv.Value, mv.Previous)
		}
		snap.Metrics[name] = mv
	}
	return snap, nil
}

// Timeseries computes one metric per bucket across the period. Every bucket
// in range is present, zero-filled when it has no events.
func (e *Engine) Timeseries(ctx context.Context, q TimeseriesQuery) (*types.TimeseriesSeries, error) {
	if err := CheckMetric(q.Metric); err != nil {
		return nil, err
	}
	period, err := q.Period.Resolve(e.now())
	if err != nil {
		return nil, err
	}
	g := q.Granularity
	if g == "" {
		g = DefaultGranularity(period)
	} else if _, err := types.ParseGranularity(string(g)); err != nil {
		return nil, errors.NewRequestError(errors.CodeInvalidGranularity,
			fmt.Sprintf("unknown granularity %q; expected hour, day or week", g)).WithField("granularity")
	}
	period.Granularity = g

	buckets, err := Buckets(period, g)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "aggregate.timeseries", trace.WithAttributes(
		attribute.String("pulse.org_id", q.OrgID),
		attribute.String("pulse.metric", q.Metric),
		attribute.String("pulse.granularity", string(g)),
		attribute.Int("pulse.buckets", len(buckets)),
	))
	defer span.End()
	start := time.Now()
	defer metrics.ObserveSince(metrics.AggregationDuration.WithLabelValues("timeseries"), start)

	accs := make([]*accumulator, len(buckets))
	index := make(map[int64]int, len(buckets))
	for i, b := range buckets {
		accs[i] = newAccumulator()
		index[b.UnixNano()] = i
	}

	err = e.store.Scan(ctx, q.OrgID, store.Range{Start: period.Start, End: period.End}, func(ev *types.Event) error {
		if i, ok := index[BucketStart(ev.Timestamp, g).UnixNano()]; ok {
			accs[i].add(ev)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail(span, "timeseries", err)
	}

	series := &types.TimeseriesSeries{
		Metric:      q.Metric,
		Period:      period,
		Granularity: g,
		Data:        make([]types.TimeseriesPoint, len(buckets)),
	}
	values := make([]float64, len(buckets))
	for i, b := range buckets {
		v := accs[i].value(q.Metric)
		values[i] = v
		series.Data[i] = types.TimeseriesPoint{Timestamp: b, Value: v}
	}
	series.Aggregations = Summarize(values)
	return series, nil
}

// fail converts a store failure into a request-level aggregation error. A
// partial result is never returned.
func (e *Engine) fail(span trace.Span, kind string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var pe *errors.PulseError
	if stderrors.Is(err, context.DeadlineExceeded) {
		pe = errors.NewAggregationError(errors.CodeQueryTimeout, "aggregation exceeded its deadline", err)
	} else {
		pe = errors.NewAggregationError(errors.CodeAggregationFailed, "aggregation could not read events", err)
	}
	metrics.AggregationErrors.WithLabelValues(pe.Code).Inc()
	e.logger.Error("aggregation failed", zap.String("kind", kind), zap.Error(err))
	return pe
}
