package aggregate

import "github.com/pulseboard/pulse/pkg/types"

// Compare computes change_percent and trend for value against previous.
// change_percent is nil when previous is absent or zero, and the trend is
// then stable.
func Compare(value float64, previous *float64) (*float64, types.Trend) {
	if previous == nil || *previous == 0 {
		return nil, types.TrendStable
	}
	change := (value - *previous) / *previous * 100
	switch {
	case change > 0:
		return &change, types.TrendUp
	case change < 0:
		return &change, types.TrendDown
	default:
		return &change, types.TrendStable
	}
}
