package aggregate

import (
	"fmt"
	"strings"
	"time"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

// Metric names.
const (
	MetricActiveUsers        = "active_users"
	MetricTotalSessions      = "total_sessions"
	MetricSuccessRate        = "success_rate"
	MetricTotalCost          = "total_cost"
	MetricAvgSessionDuration = "avg_session_duration"
	MetricErrorCount         = "error_count"
	MetricEventCount         = "event_count"
)

// OverviewMetrics is the default overview selection, in response order.
var OverviewMetrics = []string{
	MetricActiveUsers,
	MetricTotalSessions,
	MetricSuccessRate,
	MetricTotalCost,
	MetricAvgSessionDuration,
	MetricErrorCount,
}

type metricDef struct {
	unit  string
	value func(*accumulator) float64
}

var definitions = map[string]metricDef{
	MetricActiveUsers:        {"users", func(a *accumulator) float64 { return float64(len(a.users)) }},
	MetricTotalSessions:      {"sessions", func(a *accumulator) float64 { return float64(len(a.sessions)) }},
	MetricSuccessRate:        {"percent", (*accumulator).successRate},
	MetricTotalCost:          {"usd", func(a *accumulator) float64 { return a.cost }},
	MetricAvgSessionDuration: {"seconds", (*accumulator).avgSessionDuration},
	MetricErrorCount:         {"errors", func(a *accumulator) float64 { return float64(a.errorEvents) }},
	MetricEventCount:         {"events", func(a *accumulator) float64 { return float64(a.events) }},
}

// SupportedMetrics lists every metric name accepted by the engine.
func SupportedMetrics() []string {
	return append(append([]string{}, OverviewMetrics...), MetricEventCount)
}

// Unit returns the unit of a known metric.
func Unit(metric string) string {
	return definitions[metric].unit
}

// CheckMetric returns UNSUPPORTED_METRIC for unknown names.
func CheckMetric(metric string) error {
	if _, ok := definitions[metric]; ok {
		return nil
	}
	msg := fmt.Sprintf("unsupported metric %q; supported: %s", metric, strings.Join(SupportedMetrics(), ", "))
	if metric == "" {
		msg = "metric is required"
	}
	return errors.NewRequestError(errors.CodeUnsupportedMetric, msg).WithField("metric")
}

// accumulator folds events into the state every metric is derived from.
type accumulator struct {
	users    map[string]struct{}
	sessions map[string]struct{}

	events      int64
	errorEvents int64
	completed   int64
	failed      int64
	cancelled   int64
	cost        float64

	// earliest session_start and latest session_end per session
	starts map[string]time.Time
	ends   map[string]time.Time
}

func newAccumulator() *accumulator {
	return &accumulator{
		users:    make(map[string]struct{}),
		sessions: make(map[string]struct{}),
		starts:   make(map[string]time.Time),
		ends:     make(map[string]time.Time),
	}
}

func (a *accumulator) add(ev *types.Event) {
	a.events++
	a.users[ev.UserID] = struct{}{}
	a.sessions[ev.SessionID] = struct{}{}
	a.cost += ev.CostValue()
	if ev.EventType.IsError() {
		a.errorEvents++
	}

	switch ev.EventType {
	case types.EventTaskComplete:
		a.completed++
	case types.EventTaskError:
		a.failed++
	case types.EventTaskCancel:
		a.cancelled++
	case types.EventSessionStart:
		if cur, ok := a.starts[ev.SessionID]; !ok || ev.Timestamp.Before(cur) {
			a.starts[ev.SessionID] = ev.Timestamp
		}
	case types.EventSessionEnd:
		if cur, ok := a.ends[ev.SessionID]; !ok || ev.Timestamp.After(cur) {
			a.ends[ev.SessionID] = ev.Timestamp
		}
	}
}

func (a *accumulator) successRate() float64 {
	outcomes := a.completed + a.failed + a.cancelled
	if outcomes == 0 {
		return 0
	}
	return float64(a.completed) / float64(outcomes) * 100
}

func (a *accumulator) avgSessionDuration() float64 {
	var (
		total time.Duration
		n     int
	)
	for id, start := range a.starts {
		end, ok := a.ends[id]
		if !ok || end.Before(start) {
			continue
		}
		total += end.Sub(start)
		n++
	}
	if n == 0 {
		return 0
	}
	return total.Seconds() / float64(n)
}

func (a *accumulator) value(metric string) float64 {
	return definitions[metric].value(a)
}
