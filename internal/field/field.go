// Package field holds monthly gridded climate data and the spatial and
// temporal bookkeeping the adjustment engine needs: ingestion validation,
// calendar-month partitioning, anomaly computation and region subsetting.
package field

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"
)

// Field is a dense monthly gridded series with shape [ntime, nlat, nlon].
// Latitudes are ascending south to north, longitudes are in [0,360) unless
// the field has been rotated by a region subset, and the time coordinate is
// contiguous monthly starting in January of StartYear.
type Field struct {
	Data      *sparse.DenseArray
	Lats      []float64
	Lons      []float64
	StartYear int
	Name      string
	Units     string
}

// ValidationError reports an ingestion invariant violation together with
// the observed value.
type ValidationError struct {
	Quantity string
	Value    float64
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field validation: %s = %v: %s", e.Quantity, e.Value, e.Reason)
}

// New allocates a zero field with the given coordinates.
func New(name string, ntime int, lats, lons []float64, startYear int) *Field {
	return &Field{
		Data:      sparse.ZerosDense(ntime, len(lats), len(lons)),
		Lats:      lats,
		Lons:      lons,
		StartYear: startYear,
		Name:      name,
	}
}

// NTime returns the number of monthly time steps.
func (f *Field) NTime() int { return f.Data.Shape[0] }

// NYears returns the number of whole years in the record.
func (f *Field) NYears() int { return f.Data.Shape[0] / 12 }

// NLat returns the number of latitude points.
func (f *Field) NLat() int { return f.Data.Shape[1] }

// NLon returns the number of longitude points.
func (f *Field) NLon() int { return f.Data.Shape[2] }

// D returns the spatial dimension nlat*nlon.
func (f *Field) D() int { return f.Data.Shape[1] * f.Data.Shape[2] }

// At returns the value at time step t, latitude index j, longitude index i.
func (f *Field) At(t, j, i int) float64 { return f.Data.Get(t, j, i) }

// Set stores v at time step t, latitude index j, longitude index i.
func (f *Field) Set(v float64, t, j, i int) { f.Data.Set(v, t, j, i) }

// Slab returns the flattened spatial slice for time step t. The returned
// slice aliases the field's storage; callers must not modify it.
func (f *Field) Slab(t int) []float64 {
	d := f.D()
	return f.Data.Elements[t*d : (t+1)*d]
}

// Copy returns a deep copy sharing no storage with f.
func (f *Field) Copy() *Field {
	out := New(f.Name, f.NTime(), append([]float64(nil), f.Lats...),
		append([]float64(nil), f.Lons...), f.StartYear)
	out.Units = f.Units
	copy(out.Data.Elements, f.Data.Elements)
	return out
}

// Validate checks the ingestion contract: ascending latitudes, longitudes
// in [0,360), a whole number of years with at least two of them, and no
// missing values. It runs once after ingestion; the engine assumes these
// invariants afterwards.
func (f *Field) Validate() error {
	if f.NTime()%12 != 0 {
		return &ValidationError{Quantity: "ntime", Value: float64(f.NTime()),
			Reason: "time coordinate must hold whole years of monthly steps"}
	}
	if f.NYears() < 2 {
		return &ValidationError{Quantity: "nyrs", Value: float64(f.NYears()),
			Reason: "need at least two years to build a training pool"}
	}
	for j := 1; j < len(f.Lats); j++ {
		if f.Lats[j] <= f.Lats[j-1] {
			return &ValidationError{Quantity: "lat", Value: f.Lats[j],
				Reason: "latitudes must be strictly ascending south to north"}
		}
	}
	for _, lon := range f.Lons {
		if lon < 0 || lon >= 360 {
			return &ValidationError{Quantity: "lon", Value: lon,
				Reason: "longitudes must lie in [0,360)"}
		}
	}
	for i, v := range f.Data.Elements {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t := i / f.D()
			return &ValidationError{Quantity: fmt.Sprintf("%s[t=%d]", f.Name, t),
				Value: v, Reason: "missing or non-finite value in input"}
		}
	}
	return nil
}

// MonthIndices returns the time indices of calendar month m (0-based) in a
// record of ntime monthly steps, i.e. the stride-12 slice m, m+12, ...
func MonthIndices(m, ntime int) []int {
	idx := make([]int, 0, ntime/12)
	for t := m; t < ntime; t += 12 {
		idx = append(idx, t)
	}
	return idx
}

// MonthlyMeans returns the per-calendar-month climatology, an array of
// shape [12, nlat, nlon].
func (f *Field) MonthlyMeans() *sparse.DenseArray {
	clim := sparse.ZerosDense(12, f.NLat(), f.NLon())
	d := f.D()
	nyrs := float64(f.NYears())
	for t := 0; t < f.NTime(); t++ {
		m := t % 12
		slab := f.Slab(t)
		for i, v := range slab {
			clim.Elements[m*d+i] += v / nyrs
		}
	}
	return clim
}

// Anomalies returns a copy of f with the per-calendar-month climatology
// removed.
func (f *Field) Anomalies() *Field {
	out := f.Copy()
	clim := f.MonthlyMeans()
	d := f.D()
	for t := 0; t < f.NTime(); t++ {
		m := t % 12
		slab := out.Data.Elements[t*d : (t+1)*d]
		for i := range slab {
			slab[i] -= clim.Elements[m*d+i]
		}
	}
	return out
}

// SpatialMean returns the area-unweighted spatial mean series, one value
// per time step.
func (f *Field) SpatialMean() []float64 {
	out := make([]float64, f.NTime())
	d := float64(f.D())
	for t := range out {
		s := 0.0
		for _, v := range f.Slab(t) {
			s += v
		}
		out[t] = s / d
	}
	return out
}

// Window returns the sub-record covering the years [startYear, endYear],
// both inclusive, as a copy.
func (f *Field) Window(startYear, endYear int) (*Field, error) {
	if startYear < f.StartYear || endYear >= f.StartYear+f.NYears() ||
		endYear < startYear {
		return nil, &ValidationError{Quantity: "time window",
			Value: float64(startYear),
			Reason: fmt.Sprintf("[%d,%d] not contained in record [%d,%d]",
				startYear, endYear, f.StartYear, f.StartYear+f.NYears()-1)}
	}
	nyrs := endYear - startYear + 1
	out := New(f.Name, 12*nyrs, append([]float64(nil), f.Lats...),
		append([]float64(nil), f.Lons...), startYear)
	out.Units = f.Units
	off := 12 * (startYear - f.StartYear) * f.D()
	copy(out.Data.Elements, f.Data.Elements[off:off+len(out.Data.Elements)])
	return out, nil
}
