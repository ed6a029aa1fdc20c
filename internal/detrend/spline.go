package detrend

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/forcesmip/dynadjust/internal/field"
)

// splineDetrend fits a least-squares cubic B-spline with the requested
// number of uniformly spaced interior knots to each calendar-month
// sub-series, subtracts the fit and adds the per-month temporal mean back.
func splineDetrend(f *field.Field, knots int) (*field.Field, error) {
	nyrs := f.NYears()
	if knots < 0 {
		return nil, fmt.Errorf("spline: knot count %d must be non-negative", knots)
	}
	nbasis := knots + 4 // cubic basis dimension for a clamped knot vector
	if nbasis > nyrs {
		return nil, fmt.Errorf("spline: %d interior knots need %d years, have %d",
			knots, nbasis, nyrs)
	}

	x := splineBasis(nyrs, knots)
	out := f.Copy()
	for m := 0; m < 12; m++ {
		y := monthMatrix(f, m)
		fit, err := fitDesign(x, y)
		if err != nil {
			return nil, fmt.Errorf("month %d: %w", m, err)
		}
		subtractFit(out, m, y, fit, true)
	}
	return out, nil
}

// splineBasis evaluates the clamped cubic B-spline basis with the given
// number of uniformly spaced interior knots at the year indices 0..nyrs-1,
// returning an nyrs x (knots+4) design matrix.
func splineBasis(nyrs, knots int) *mat.Dense {
	const degree = 3
	lo, hi := 0.0, float64(nyrs-1)
	nbasis := knots + degree + 1

	// Clamped knot vector: degree+1 copies at each end.
	kv := make([]float64, nbasis+degree+1)
	for i := 0; i <= degree; i++ {
		kv[i] = lo
		kv[len(kv)-1-i] = hi
	}
	for i := 1; i <= knots; i++ {
		kv[degree+i] = lo + (hi-lo)*float64(i)/float64(knots+1)
	}

	x := mat.NewDense(nyrs, nbasis, nil)
	for yr := 0; yr < nyrs; yr++ {
		t := float64(yr)
		for j := 0; j < nbasis; j++ {
			x.Set(yr, j, bspline(j, degree, t, kv, hi))
		}
	}
	return x
}

// bspline is the Cox-de Boor recursion for basis function j of the given
// degree. The right endpoint belongs to the last basis function.
func bspline(j, degree int, t float64, kv []float64, hi float64) float64 {
	if degree == 0 {
		if kv[j] <= t && t < kv[j+1] {
			return 1
		}
		// Close the half-open interval at the domain's right end.
		if t == hi && kv[j] < kv[j+1] && kv[j+1] == hi {
			return 1
		}
		return 0
	}
	var v float64
	if den := kv[j+degree] - kv[j]; den > 0 {
		v += (t - kv[j]) / den * bspline(j, degree-1, t, kv, hi)
	}
	if den := kv[j+degree+1] - kv[j+1]; den > 0 {
		v += (kv[j+degree+1] - t) / den * bspline(j+1, degree-1, t, kv, hi)
	}
	return v
}
