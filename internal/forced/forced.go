// Package forced derives the forced-response estimate of the evaluation
// workflow: the residual of the original series after removing the
// reconstructed dynamical component, reduced to annual means and fitted
// with a linear trend.
package forced

import (
	"fmt"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/stat"

	"github.com/forcesmip/dynadjust/internal/field"
)

// DefaultMonthOffset centers the annual sampling window on mid-year, which
// makes each annual sample the calendar-year mean.
const DefaultMonthOffset = 6

// Trend returns the forced component per grid cell: the total change
// slope*(nyrs-1) of a linear fit to the annual-mean residual
// original-dynamical. monthOffset picks the month at which the centered
// 12-month running mean is sampled each year.
func Trend(original, dynamical *field.Field, monthOffset int) (*sparse.DenseArray, error) {
	if original.NTime() != dynamical.NTime() || original.D() != dynamical.D() {
		return nil, fmt.Errorf("original %dx%d and dynamical %dx%d series do not match",
			original.NTime(), original.D(), dynamical.NTime(), dynamical.D())
	}
	if monthOffset < 0 || monthOffset > 11 {
		return nil, fmt.Errorf("month offset %d must lie in [0,11]", monthOffset)
	}
	ntime, d := original.NTime(), original.D()
	nyrs := original.NYears()

	// Annual series per cell: centered 12-month running mean of the
	// residual, sampled once per year; the window is clamped at the
	// record boundaries.
	annual := make([][]float64, nyrs)
	for y := 0; y < nyrs; y++ {
		annual[y] = make([]float64, d)
		s := 12*y + monthOffset - 6
		if s < 0 {
			s = 0
		}
		if s > ntime-12 {
			s = ntime - 12
		}
		for t := s; t < s+12; t++ {
			o := original.Slab(t)
			dy := dynamical.Slab(t)
			for k := 0; k < d; k++ {
				annual[y][k] += (o[k] - dy[k]) / 12
			}
		}
	}

	years := make([]float64, nyrs)
	for y := range years {
		years[y] = float64(y)
	}
	series := make([]float64, nyrs)

	out := sparse.ZerosDense(original.NLat(), original.NLon())
	for k := 0; k < d; k++ {
		for y := 0; y < nyrs; y++ {
			series[y] = annual[y][k]
		}
		_, slope := stat.LinearRegression(years, series, nil, false)
		out.Elements[k] = slope * float64(nyrs-1)
	}
	return out, nil
}
