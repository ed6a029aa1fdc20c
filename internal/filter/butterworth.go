// Package filter provides the low-frequency trend filter used by the
// butterworth detrending strategies: a 4th-order Butterworth low-pass
// applied forward and backward (zero phase) with even-reflection padding,
// so the extracted trend has no phase lag against the input.
package filter

import (
	"fmt"
	"math"
)

// Params configures a low-pass fit.
type Params struct {
	// CutoffSamples is the cutoff period in sample units (months for a
	// full monthly series, years for a per-calendar-month sub-series).
	CutoffSamples float64
}

// biquad is one second-order section in direct form II transposed,
// normalized so a0 = 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// order-4 Butterworth pole-pair quality factors: 1/(2*cos(pi/8)) and
// 1/(2*cos(3*pi/8)).
var butterQ = [2]float64{0.5411961001461970, 1.3065629648763764}

// design returns the cascaded second-order sections of a 4th-order
// Butterworth low-pass with cutoff frequency fc in cycles per sample,
// via the bilinear transform with frequency prewarping.
func design(fc float64) [2]biquad {
	k := math.Tan(math.Pi * fc)
	var sos [2]biquad
	for i, q := range butterQ {
		norm := 1 / (1 + k/q + k*k)
		b0 := k * k * norm
		sos[i] = biquad{
			b0: b0,
			b1: 2 * b0,
			b2: b0,
			a1: 2 * (k*k - 1) * norm,
			a2: (1 - k/q + k*k) * norm,
		}
	}
	return sos
}

// apply runs one section over x in place, with initial conditions scaled
// to the first sample so a constant input passes through unchanged.
func (s biquad) apply(x []float64) {
	x0 := x[0]
	z1 := x0 * (1 - s.b0)
	z2 := x0 * (s.b2 - s.a2)
	for n, v := range x {
		y := s.b0*v + z1
		z1 = s.b1*v - s.a1*y + z2
		z2 = s.b2*v - s.a2*y
		x[n] = y
	}
}

// Fit low-pass filters series and returns the smooth trend together with
// the residual (series minus trend), both the same length as the input.
func Fit(series []float64, p Params) (trend, residual []float64, err error) {
	n := len(series)
	if p.CutoffSamples <= 2 {
		return nil, nil, fmt.Errorf("butterworth: cutoff period %g must exceed 2 samples (Nyquist)",
			p.CutoffSamples)
	}
	if n < 4 {
		return nil, nil, fmt.Errorf("butterworth: series of %d samples is too short to filter", n)
	}

	pad := 15 // 3*(order+1), the usual filtfilt transient margin
	if pad > n-1 {
		pad = n - 1
	}

	// Even-reflection extension about the end samples, edge not repeated.
	ext := make([]float64, pad+n+pad)
	for i := 0; i < pad; i++ {
		ext[i] = series[pad-i]
		ext[pad+n+i] = series[n-2-i]
	}
	copy(ext[pad:], series)

	sos := design(1 / p.CutoffSamples)
	for _, s := range sos {
		s.apply(ext)
	}
	reverse(ext)
	for _, s := range sos {
		s.apply(ext)
	}
	reverse(ext)

	trend = make([]float64, n)
	copy(trend, ext[pad:pad+n])
	residual = make([]float64, n)
	for i, v := range series {
		residual[i] = v - trend[i]
	}
	return trend, residual, nil
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
