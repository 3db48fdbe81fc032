package aggregate

import (
	"math"
	"sort"

	"github.com/pulseboard/pulse/pkg/types"
)

// Percentile returns the nearest-rank percentile of sorted values:
// rank = ceil(p/100 * n), result = sorted[rank-1]. ok is false for n == 0.
func Percentile(sorted []float64, p float64) (float64, bool) {
	n := len(sorted)
	if n == 0 {
		return 0, false
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1], true
}

// Summarize computes min, max, avg, sum and p50/p95 of values. It returns
// nil for an empty input.
func Summarize(values []float64) *types.Aggregations {
	if len(values) == 0 {
		return nil
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	agg := &types.Aggregations{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Sum: sum,
		Avg: sum / float64(len(sorted)),
	}
	if v, ok := Percentile(sorted, 50); ok {
		agg.P50 = &v
	}
	if v, ok := Percentile(sorted, 95); ok {
		agg.P95 = &v
	}
	return agg
}
