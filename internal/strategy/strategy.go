// Package strategy reduces the many per-model, per-frame scores of a video
// into one fake-probability.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const neutral = 0.5

// DefaultTopK is the number of confident scores kept per model.
const DefaultTopK = 8

// EnsembleResult holds, for one video, the scores of every model in input
// order. PerModel[i] are the per-crop scores produced by model i.
type EnsembleResult struct {
	PerModel [][]float64
}

// Strategy turns an EnsembleResult into a single score in [0,1].
type Strategy interface {
	Aggregate(result EnsembleResult) float64
}

// Reducer collapses one model's scores into one value.
type Reducer func(scores []float64) float64

// PerModel returns the two-stage strategy: reduce each model's scores with
// r, then average the per-model values. Models with no scores are ignored.
func PerModel(r Reducer) Strategy {
	return perModel{reduce: r}
}

type perModel struct {
	reduce Reducer
}

func (p perModel) Aggregate(result EnsembleResult) float64 {
	var sum float64
	var n int
	for _, scores := range result.PerModel {
		if len(scores) == 0 {
			continue
		}
		sum += p.reduce(scores)
		n++
	}
	if n == 0 {
		return neutral
	}
	return clamp(sum / float64(n))
}

// Confident keeps the k scores farthest from 0.5 and averages them, so a
// few unambiguous frames outweigh many ambiguous ones. The result does not
// depend on input order.
func Confident(k int) Reducer {
	return func(scores []float64) float64 {
		if len(scores) == 0 {
			return neutral
		}
		sorted := append([]float64(nil), scores...)
		sort.Slice(sorted, func(i, j int) bool {
			di, dj := math.Abs(sorted[i]-neutral), math.Abs(sorted[j]-neutral)
			if di != dj {
				return di > dj
			}
			return sorted[i] > sorted[j]
		})
		if k <= 0 || k > len(sorted) {
			k = len(sorted)
		}
		return mean(sorted[:k])
	}
}

// Mean is the plain average.
func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return neutral
	}
	return mean(scores)
}

// Max returns the largest score.
func Max(scores []float64) float64 {
	if len(scores) == 0 {
		return neutral
	}
	m := scores[0]
	for _, s := range scores[1:] {
		if s > m {
			m = s
		}
	}
	return m
}

// Median returns the middle score, averaging the two middle values for
// even-length input.
func Median(scores []float64) float64 {
	if len(scores) == 0 {
		return neutral
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Threshold is the DFDC competition rule. When more than n/2.5 and more
// than 11 scores exceed t, the mean of those scores wins. Otherwise when
// over 90% of scores are below 0.2 their mean wins. Otherwise the plain mean.
func Threshold(t float64) Reducer {
	return func(scores []float64) float64 {
		if len(scores) == 0 {
			return neutral
		}
		var high, low []float64
		for _, s := range scores {
			if s > t {
				high = append(high, s)
			}
			if s < 0.2 {
				low = append(low, s)
			}
		}
		n := len(scores)
		if float64(len(high)) > math.Floor(float64(n)/2.5) && len(high) > 11 {
			return mean(high)
		}
		if float64(len(low)) > 0.9*float64(n) {
			return mean(low)
		}
		return mean(scores)
	}
}

// ByName resolves a configured strategy name. k only applies to
// "confident"; for "threshold" the cut-off is fixed at 0.8.
func ByName(name string, k int) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "confident":
		return PerModel(Confident(k)), nil
	case "mean":
		return PerModel(Mean), nil
	case "max":
		return PerModel(Max), nil
	case "median":
		return PerModel(Median), nil
	case "threshold":
		return PerModel(Threshold(0.8)), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

func mean(scores []float64) float64 {
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return neutral
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
