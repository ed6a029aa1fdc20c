package detrend

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/forcesmip/dynadjust/internal/field"
	"github.com/forcesmip/dynadjust/internal/filter"
)

const (
	defaultCutoffYears  = 10
	defaultCutoffMonths = 120
)

// lowpassDetrend runs the Butterworth trend filter directly on every grid
// cell's per-calendar-month sub-series. The fitted value at the first year
// is added back so the absolute level of the series survives.
func lowpassDetrend(f *field.Field, p Params) (*field.Field, error) {
	cutoff := p.CutoffYears
	if cutoff == 0 {
		cutoff = defaultCutoffYears
	}
	nyrs, d := f.NYears(), f.D()

	out := f.Copy()
	sub := make([]float64, nyrs)
	for m := 0; m < 12; m++ {
		for i := 0; i < d; i++ {
			for yr := 0; yr < nyrs; yr++ {
				sub[yr] = f.Slab(12*yr + m)[i]
			}
			trend, _, err := filter.Fit(sub, filter.Params{CutoffSamples: cutoff})
			if err != nil {
				return nil, fmt.Errorf("month %d cell %d: %w", m, i, err)
			}
			for yr := 0; yr < nyrs; yr++ {
				out.Slab(12*yr + m)[i] = sub[yr] - trend[yr] + trend[0]
			}
		}
	}
	return out, nil
}

// indexDetrend is the lower-noise variant of the Butterworth strategy:
// the filter runs once on the spatially averaged index of the field, each
// grid cell is regressed onto the smoothed index, and the removed signal
// is that regression scaled by the index's own linear trend over the
// period. Nothing is removed at the first time step, so the level is
// preserved.
func indexDetrend(f *field.Field, p Params) (*field.Field, error) {
	cutoff := p.CutoffMonths
	if cutoff == 0 {
		cutoff = defaultCutoffMonths
	}
	ntime, d := f.NTime(), f.D()

	index := f.SpatialMean()
	smooth, _, err := filter.Fit(index, filter.Params{CutoffSamples: cutoff})
	if err != nil {
		return nil, fmt.Errorf("index series: %w", err)
	}

	// Linear trend of the smoothed index itself.
	tIdx := make([]float64, ntime)
	for t := range tIdx {
		tIdx[t] = float64(t)
	}
	_, idxSlope := stat.LinearRegression(tIdx, smooth, nil, false)

	out := f.Copy()
	cell := make([]float64, ntime)
	for i := 0; i < d; i++ {
		for t := 0; t < ntime; t++ {
			cell[t] = f.Slab(t)[i]
		}
		_, beta := stat.LinearRegression(smooth, cell, nil, false)
		for t := 0; t < ntime; t++ {
			out.Slab(t)[i] = cell[t] - beta*idxSlope*float64(t)
		}
	}
	return out, nil
}
