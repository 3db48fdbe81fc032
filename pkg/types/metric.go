package types

import (
	"fmt"
	"time"
)

// Trend is the qualitative direction of a metric against its prior period.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// Granularity is the bucket width of a timeseries.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// ParseGranularity converts a string to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityHour, GranularityDay, GranularityWeek:
		return Granularity(s), nil
	default:
		return "", fmt.Errorf("unknown granularity: %q", s)
	}
}

// BucketSize returns the nominal width of one bucket.
func (g Granularity) BucketSize() time.Duration {
	switch g {
	case GranularityHour:
		return time.Hour
	case GranularityWeek:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Period is a resolved time range. End is inclusive.
type Period struct {
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Granularity Granularity `json:"granularity,omitempty"`
}

// Duration returns End - Start.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Previous returns the immediately preceding period of equal length,
// [start - (end-start), start). Its End is exclusive.
func (p Period) Previous() Period {
	d := p.Duration()
	return Period{Start: p.Start.Add(-d), End: p.Start, Granularity: p.Granularity}
}

// MetricValue is a named scalar measurement at query time.
type MetricValue struct {
	Value         float64  `json:"value"`
	Previous      *float64 `json:"previous,omitempty"`
	ChangePercent *float64 `json:"change_percent"`
	Trend         Trend    `json:"trend,omitempty"`
	Unit          string   `json:"unit,omitempty"`
}

// MetricsSnapshot maps metric names to values for one period.
type MetricsSnapshot struct {
	Period  Period                 `json:"period"`
	Metrics map[string]MetricValue `json:"metrics"`
}

// TimeseriesPoint is a single bucket value.
type TimeseriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Aggregations summarizes the points of a series.
type Aggregations struct {
	Min float64  `json:"min"`
	Max float64  `json:"max"`
	Avg float64  `json:"avg"`
	Sum float64  `json:"sum"`
	P50 *float64 `json:"p50,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
}

// TimeseriesSeries is one metric over one period at one granularity.
type TimeseriesSeries struct {
	Metric       string            `json:"metric"`
	Period       Period            `json:"period"`
	Granularity  Granularity       `json:"granularity"`
	Data         []TimeseriesPoint `json:"data"`
	Aggregations *Aggregations     `json:"aggregations,omitempty"`
}
