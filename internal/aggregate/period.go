package aggregate

import (
	"fmt"
	"time"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

// MaxPeriod bounds explicit start/end ranges.
const MaxPeriod = 366 * 24 * time.Hour

// presets maps named periods to their length in days.
var presets = map[string]int{
	"1d":  1,
	"7d":  7,
	"30d": 30,
	"90d": 90,
}

// DefaultPreset applies when a query names neither a preset nor explicit bounds.
const DefaultPreset = "7d"

// PeriodSpec is an unresolved period: either a preset or explicit bounds.
type PeriodSpec struct {
	Preset string
	Start  time.Time
	End    time.Time
}

// IsExplicit reports whether explicit bounds were given.
func (s PeriodSpec) IsExplicit() bool {
	return !s.Start.IsZero() || !s.End.IsZero()
}

// key renders the spec for cache keys.
func (s PeriodSpec) key() string {
	if s.IsExplicit() {
		return s.Start.UTC().Format(time.RFC3339Nano) + "/" + s.End.UTC().Format(time.RFC3339Nano)
	}
	if s.Preset == "" {
		return DefaultPreset
	}
	return s.Preset
}

// Resolve turns a spec into a concrete UTC period. Presets resolve to
// [now - N days, now].
func (s PeriodSpec) Resolve(now time.Time) (types.Period, error) {
	if s.IsExplicit() {
		if s.Preset != "" {
			return types.Period{}, invalidPeriod("period cannot be combined with start/end")
		}
		if s.Start.IsZero() || s.End.IsZero() {
			return types.Period{}, invalidPeriod("start and end must both be set")
		}
		start, end := s.Start.UTC(), s.End.UTC()
		if !start.Before(end) {
			return types.Period{}, invalidPeriod("start must be before end")
		}
		if end.Sub(start) > MaxPeriod {
			return types.Period{}, invalidPeriod("period may not exceed 366 days")
		}
		return types.Period{Start: start, End: end}, nil
	}

	preset := s.Preset
	if preset == "" {
		preset = DefaultPreset
	}
	days, ok := presets[preset]
	if !ok {
		return types.Period{}, invalidPeriod(fmt.Sprintf("unknown period %q; expected one of 1d, 7d, 30d, 90d", preset))
	}
	end := now.UTC()
	return types.Period{Start: end.AddDate(0, 0, -days), End: end}, nil
}

// ParsePeriodSpec builds a spec from raw query parameters.
func ParsePeriodSpec(preset, start, end string) (PeriodSpec, error) {
	spec := PeriodSpec{Preset: preset}
	if start != "" {
		t, err := time.Parse(time.RFC3339Nano, start)
		if err != nil || !types.InTimestampRange(t) {
			return PeriodSpec{}, invalidPeriod("start must be an ISO-8601 datetime").WithField("start")
		}
		spec.Start = t.UTC()
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339Nano, end)
		if err != nil || !types.InTimestampRange(t) {
			return PeriodSpec{}, invalidPeriod("end must be an ISO-8601 datetime").WithField("end")
		}
		spec.End = t.UTC()
	}
	return spec, nil
}

func invalidPeriod(msg string) *errors.PulseError {
	return errors.NewRequestError(errors.CodeInvalidPeriod, msg).WithField("period")
}
