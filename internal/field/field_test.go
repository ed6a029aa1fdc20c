package field

import (
	"math"
	"testing"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// testField builds a field on a small grid with values from fn(t, j, i).
func testField(nyrs, nlat, nlon int, fn func(t, j, i int) float64) *Field {
	lats := make([]float64, nlat)
	for j := range lats {
		lats[j] = -30 + 10*float64(j)
	}
	lons := make([]float64, nlon)
	for i := range lons {
		lons[i] = 360 * float64(i) / float64(nlon)
	}
	f := New("tas", 12*nyrs, lats, lons, 1950)
	for t := 0; t < f.NTime(); t++ {
		for j := 0; j < nlat; j++ {
			for i := 0; i < nlon; i++ {
				f.Set(fn(t, j, i), t, j, i)
			}
		}
	}
	return f
}

func TestValidateAccepts(t *testing.T) {
	f := testField(3, 2, 3, func(t, j, i int) float64 { return float64(t + j + i) })
	if err := f.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name     string
		build    func() *Field
		quantity string
	}{
		{
			name: "partial year",
			build: func() *Field {
				return New("tas", 30, []float64{0, 10}, []float64{0, 90}, 1950)
			},
			quantity: "ntime",
		},
		{
			name: "single year",
			build: func() *Field {
				return New("tas", 12, []float64{0, 10}, []float64{0, 90}, 1950)
			},
			quantity: "nyrs",
		},
		{
			name: "descending latitudes",
			build: func() *Field {
				f := testField(3, 2, 3, func(t, j, i int) float64 { return 1 })
				f.Lats[0], f.Lats[1] = f.Lats[1], f.Lats[0]
				return f
			},
			quantity: "lat",
		},
		{
			name: "longitude out of range",
			build: func() *Field {
				f := testField(3, 2, 3, func(t, j, i int) float64 { return 1 })
				f.Lons[1] = 400
				return f
			},
			quantity: "lon",
		},
		{
			name: "missing value",
			build: func() *Field {
				f := testField(3, 2, 3, func(t, j, i int) float64 { return 1 })
				f.Set(math.NaN(), 5, 1, 1)
				return f
			},
			quantity: "tas[t=5]",
		},
	}
	for _, test := range tests {
		err := test.build().Validate()
		if err == nil {
			t.Errorf("%s: Validate() = nil, want error", test.name)
			continue
		}
		ve, ok := err.(*ValidationError)
		if !ok {
			t.Errorf("%s: error type %T, want *ValidationError", test.name, err)
			continue
		}
		if ve.Quantity != test.quantity {
			t.Errorf("%s: Quantity = %q, want %q", test.name, ve.Quantity, test.quantity)
		}
	}
}

func TestMonthIndices(t *testing.T) {
	got := MonthIndices(2, 48)
	want := []int{2, 14, 26, 38}
	if len(got) != len(want) {
		t.Fatalf("MonthIndices(2, 48) has %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MonthIndices(2, 48)[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestAnomaliesRemoveClimatology(t *testing.T) {
	// Seasonal cycle plus a cell-dependent offset; both live entirely in
	// the climatology, so the anomalies must vanish.
	f := testField(4, 2, 2, func(tt, j, i int) float64 {
		return 5*math.Sin(2*math.Pi*float64(tt%12)/12) + float64(j-i)
	})
	a := f.Anomalies()
	for _, v := range a.Data.Elements {
		if !almostEqual(v, 0, 1e-12) {
			t.Fatalf("anomaly = %v, want 0", v)
		}
	}
	// The input is untouched.
	if !almostEqual(f.At(0, 0, 1), -1, 1e-12) {
		t.Errorf("Anomalies() modified its receiver: At(0,0,1) = %v, want -1", f.At(0, 0, 1))
	}
}

func TestAnomaliesInterannualSignalSurvives(t *testing.T) {
	// A per-year signal with zero mean over the record must pass through.
	vals := []float64{-1, 0, 2, -1}
	f := testField(4, 2, 2, func(tt, j, i int) float64 {
		return vals[tt/12]
	})
	a := f.Anomalies()
	for tt := 0; tt < f.NTime(); tt++ {
		if !almostEqual(a.At(tt, 0, 0), vals[tt/12], 1e-12) {
			t.Fatalf("anomaly at t=%d = %v, want %v", tt, a.At(tt, 0, 0), vals[tt/12])
		}
	}
}

func TestSpatialMean(t *testing.T) {
	f := testField(2, 2, 2, func(tt, j, i int) float64 {
		return float64(tt) + float64(2*j+i)
	})
	mean := f.SpatialMean()
	if len(mean) != 24 {
		t.Fatalf("len(SpatialMean()) = %d, want 24", len(mean))
	}
	// Cell values at step t are t+0, t+1, t+2, t+3.
	for tt, v := range mean {
		if !almostEqual(v, float64(tt)+1.5, 1e-12) {
			t.Errorf("SpatialMean()[%d] = %v, want %v", tt, v, float64(tt)+1.5)
		}
	}
}

func TestWindow(t *testing.T) {
	f := testField(5, 2, 2, func(tt, j, i int) float64 { return float64(tt) })
	w, err := f.Window(1951, 1953)
	if err != nil {
		t.Fatalf("Window(1951, 1953) returned error: %v", err)
	}
	if w.NYears() != 3 || w.StartYear != 1951 {
		t.Errorf("window covers %d years from %d, want 3 from 1951", w.NYears(), w.StartYear)
	}
	if !almostEqual(w.At(0, 0, 0), 12, 1e-12) {
		t.Errorf("window first value = %v, want 12", w.At(0, 0, 0))
	}
	if !almostEqual(w.At(w.NTime()-1, 1, 1), 59, 1e-12) {
		t.Errorf("window last value = %v, want 59", w.At(w.NTime()-1, 1, 1))
	}

	if _, err := f.Window(1949, 1953); err == nil {
		t.Error("Window(1949, 1953) = nil error, want out-of-record error")
	}
	if _, err := f.Window(1953, 1951); err == nil {
		t.Error("Window(1953, 1951) = nil error, want malformed-window error")
	}
}

func TestSlabAliasesStorage(t *testing.T) {
	f := testField(2, 2, 2, func(tt, j, i int) float64 { return 0 })
	f.Slab(3)[2] = 7
	if f.At(3, 1, 0) != 7 {
		t.Errorf("write through Slab not visible: At(3,1,0) = %v, want 7", f.At(3, 1, 0))
	}
}
