// Package detrend removes the long-term trend from a monthly gridded
// series. Every strategy operates independently on the twelve
// calendar-month sub-series (stride-12 partitions) so the seasonal cycle
// is never conflated with the trend; the partitions have no shared state
// and could be processed in any order.
package detrend

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/forcesmip/dynadjust/internal/field"
)

// Params carries the strategy-specific settings.
type Params struct {
	// Knots is the number of interior knots for the spline strategy.
	Knots int
	// CutoffYears is the low-pass cutoff period, in years, for the
	// butterworth strategy applied to per-month sub-series.
	CutoffYears float64
	// CutoffMonths is the low-pass cutoff period, in months, for the
	// butterworth-index strategy applied to the full monthly index.
	CutoffMonths float64
}

// Strategies lists the recognized strategy names.
var Strategies = []string{
	"none", "linear", "quadratic", "cubic", "spline",
	"butterworth", "butterworth-index",
}

// Known reports whether name is a recognized strategy, so configuration
// can be rejected before any computation.
func Known(name string) bool {
	for _, s := range Strategies {
		if s == name {
			return true
		}
	}
	return false
}

// Detrend applies the named strategy to f and returns a new field;
// f itself is never modified.
func Detrend(f *field.Field, strategy string, p Params) (*field.Field, error) {
	switch strategy {
	case "none":
		return f.Copy(), nil
	case "linear":
		return polyDetrend(f, 1, false)
	case "quadratic":
		return polyDetrend(f, 2, false)
	case "cubic":
		return polyDetrend(f, 3, true)
	case "spline":
		return splineDetrend(f, p.Knots)
	case "butterworth":
		return lowpassDetrend(f, p)
	case "butterworth-index":
		return indexDetrend(f, p)
	default:
		return nil, fmt.Errorf("unknown detrend strategy %q (want one of %v)",
			strategy, Strategies)
	}
}

// monthMatrix gathers calendar month m of f into an nyrs x D matrix, one
// row per year, one column per grid cell.
func monthMatrix(f *field.Field, m int) *mat.Dense {
	nyrs, d := f.NYears(), f.D()
	y := mat.NewDense(nyrs, d, nil)
	for yr := 0; yr < nyrs; yr++ {
		y.SetRow(yr, f.Slab(12*yr+m))
	}
	return y
}

// fitDesign least-squares fits every column of y (nyrs x D) against the
// design matrix x (nyrs x k) and returns the fitted values x*B.
func fitDesign(x, y *mat.Dense) (*mat.Dense, error) {
	var qr mat.QR
	qr.Factorize(x)
	nyrs, d := y.Dims()
	var b mat.Dense
	if err := qr.SolveTo(&b, false, y); err != nil {
		return nil, fmt.Errorf("least-squares fit: %w", err)
	}
	fit := mat.NewDense(nyrs, d, nil)
	fit.Mul(x, &b)
	return fit, nil
}

// subtractFit writes orig - fit (+ the per-cell temporal mean of orig
// when keepMean is set) into month m of out.
func subtractFit(out *field.Field, m int, orig, fit *mat.Dense, keepMean bool) {
	nyrs, d := orig.Dims()
	means := make([]float64, d)
	if keepMean {
		for i := 0; i < d; i++ {
			s := 0.0
			for yr := 0; yr < nyrs; yr++ {
				s += orig.At(yr, i)
			}
			means[i] = s / float64(nyrs)
		}
	}
	for yr := 0; yr < nyrs; yr++ {
		slab := out.Slab(12*yr + m)
		for i := 0; i < d; i++ {
			slab[i] = orig.At(yr, i) - fit.At(yr, i) + means[i]
		}
	}
}

// polyDetrend fits a polynomial of the given degree in the year index to
// each calendar-month sub-series and subtracts it. With keepMean the
// per-month temporal mean is added back so the absolute level survives.
func polyDetrend(f *field.Field, degree int, keepMean bool) (*field.Field, error) {
	nyrs := f.NYears()
	if nyrs <= degree {
		return nil, fmt.Errorf("degree-%d fit needs more than %d years, have %d",
			degree, degree, nyrs)
	}
	x := mat.NewDense(nyrs, degree+1, nil)
	for yr := 0; yr < nyrs; yr++ {
		v := 1.0
		for k := 0; k <= degree; k++ {
			x.Set(yr, k, v)
			v *= float64(yr)
		}
	}

	out := f.Copy()
	for m := 0; m < 12; m++ {
		y := monthMatrix(f, m)
		fit, err := fitDesign(x, y)
		if err != nil {
			return nil, fmt.Errorf("month %d: %w", m, err)
		}
		subtractFit(out, m, y, fit, keepMean)
	}
	return out, nil
}
