package aggregate

import (
	"time"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

// MaxBuckets bounds the number of points in one series.
const MaxBuckets = 5000

// BucketStart truncates t to the UTC start of its bucket. Weeks start on
// Monday (ISO 8601).
func BucketStart(t time.Time, g types.Granularity) time.Time {
	t = t.UTC()
	switch g {
	case types.GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case types.GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func nextBucket(t time.Time, g types.Granularity) time.Time {
	switch g {
	case types.GranularityHour:
		return t.Add(time.Hour)
	case types.GranularityWeek:
		return t.AddDate(0, 0, 7)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Buckets lists the start of every bucket overlapping p, in order. The first
// and last buckets may be partial.
func Buckets(p types.Period, g types.Granularity) ([]time.Time, error) {
	var out []time.Time
	for b := BucketStart(p.Start, g); !b.After(p.End); b = nextBucket(b, g) {
		if len(out) == MaxBuckets {
			return nil, errors.NewRequestError(errors.CodeInvalidGranularity,
				"granularity is too fine for the requested period").
				WithField("granularity").
				WithDetails(map[string]interface{}{"max_buckets": MaxBuckets})
		}
		out = append(out, b)
	}
	return out, nil
}

// DefaultGranularity picks a bucket width for a period when none is given.
func DefaultGranularity(p types.Period) types.Granularity {
	switch d := p.Duration(); {
	case d <= 2*24*time.Hour:
		return types.GranularityHour
	case d <= 60*24*time.Hour:
		return types.GranularityDay
	default:
		return types.GranularityWeek
	}
}
