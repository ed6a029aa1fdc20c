package analog

import (
	"math"
	"sort"
)

// Quantile returns the per-cell empirical q-quantile across the surviving
// iterations of the ensemble, using linear interpolation between order
// statistics. The iteration spread quantifies reconstruction uncertainty.
func (e *StepEnsemble) Quantile(q float64) []float64 {
	d := len(e.MeanTarget)
	out := make([]float64, d)
	samples := make([]float64, 0, len(e.Results))
	for k := 0; k < d; k++ {
		samples = samples[:0]
		for _, res := range e.Results {
			if res != nil {
				samples = append(samples, res.Target[k])
			}
		}
		out[k] = quantile(samples, q)
	}
	return out
}

// quantile is the empirical q-quantile of samples with linear
// interpolation between order statistics.
func quantile(samples []float64, q float64) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}
	tmp := make([]float64, n)
	copy(tmp, samples)
	sort.Float64s(tmp)

	if q <= 0 {
		return tmp[0]
	}
	if q >= 1 {
		return tmp[n-1]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return tmp[lo]
	}
	w := pos - float64(lo)
	return tmp[lo]*(1-w) + tmp[hi]*w
}
