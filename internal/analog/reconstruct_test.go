package analog

import (
	"math"
	"math/rand"
	"testing"

	"github.com/forcesmip/dynadjust/internal/field"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// randomField fills a field with reproducible generic values.
func randomField(name string, nyrs, nlat, nlon int, seed int64) *field.Field {
	lats := make([]float64, nlat)
	for j := range lats {
		lats[j] = 10 * float64(j)
	}
	lons := make([]float64, nlon)
	for i := range lons {
		lons[i] = 360 * float64(i) / float64(nlon)
	}
	f := field.New(name, 12*nyrs, lats, lons, 1950)
	rng := rand.New(rand.NewSource(seed))
	for i := range f.Data.Elements {
		f.Data.Elements[i] = rng.NormFloat64()
	}
	return f
}

// subspaceFields builds a circulation field whose monthly states all lie in
// an r-dimensional subspace of grid space, and a target field that is twice
// the circulation everywhere. With N_b = r every subsample spans the
// subspace, so the pseudo-inverse reconstruction is exact.
func subspaceFields(nyrs, nlat, nlon, r int, seed int64) (circ, target *field.Field) {
	circ = randomField("psl", nyrs, nlat, nlon, seed)
	target = randomField("tas", nyrs, nlat, nlon, seed)
	d := nlat * nlon

	rng := rand.New(rand.NewSource(seed))
	basis := make([][]float64, r)
	for b := range basis {
		basis[b] = make([]float64, d)
		for k := range basis[b] {
			basis[b][k] = rng.NormFloat64()
		}
	}
	for t := 0; t < circ.NTime(); t++ {
		slab := circ.Slab(t)
		tgt := target.Slab(t)
		for k := range slab {
			slab[k] = 0
		}
		for b := range basis {
			c := rng.NormFloat64()
			for k := range slab {
				slab[k] += c * basis[b][k]
			}
		}
		for k := range slab {
			tgt[k] = 2 * slab[k]
		}
	}
	return circ, target
}

func TestNewRejectsBadSizing(t *testing.T) {
	circ := randomField("psl", 5, 3, 3, 1)
	target := randomField("tas", 5, 3, 3, 2)
	master := rand.New(rand.NewSource(7))

	tests := []struct {
		name   string
		circ   *field.Field
		target *field.Field
		opt    Options
	}{
		{"grid mismatch", randomField("psl", 5, 2, 2, 1), target,
			Options{NA: 4, NB: 2, NIter: 1}},
		{"wrong pool count", circ, target, Options{NA: 5, NB: 2, NIter: 1}},
		{"subsample too large", circ, target, Options{NA: 4, NB: 4, NIter: 1}},
		{"subsample exceeds grid", randomField("psl", 20, 1, 2, 1),
			randomField("tas", 20, 1, 2, 2), Options{NA: 19, NB: 2, NIter: 1}},
		{"no iterations", circ, target, Options{NA: 4, NB: 2, NIter: 0}},
	}
	for _, test := range tests {
		if _, err := New(test.circ, test.target, test.opt, master, nil); err == nil {
			t.Errorf("%s: New() = nil error, want sizing error", test.name)
		}
	}
}

func TestStepExactRecoveryInSubspace(t *testing.T) {
	const (
		nyrs = 5
		nb   = 3
	)
	circ, target := subspaceFields(nyrs, 3, 3, nb, 11)
	master := rand.New(rand.NewSource(42))
	rec, err := New(circ, target, Options{NA: nyrs - 1, NB: nb, NIter: 4}, master, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for _, tt := range []int{0, 17, 59} {
		ens, err := rec.Step(tt)
		if err != nil {
			t.Fatalf("Step(%d) returned error: %v", tt, err)
		}
		if ens.Dropped != 0 {
			t.Fatalf("Step(%d) dropped %d iterations, want 0", tt, ens.Dropped)
		}
		want := circ.Slab(tt)
		wantTgt := target.Slab(tt)
		for ia, res := range ens.Results {
			for k := range want {
				if !almostEqual(res.Circ[k], want[k], 1e-8) {
					t.Fatalf("Step(%d) iteration %d circ[%d] = %v, want %v",
						tt, ia, k, res.Circ[k], want[k])
				}
				if !almostEqual(res.Target[k], wantTgt[k], 1e-8) {
					t.Fatalf("Step(%d) iteration %d target[%d] = %v, want %v",
						tt, ia, k, res.Target[k], wantTgt[k])
				}
			}
		}
		for k := range want {
			if !almostEqual(ens.MeanCirc[k], want[k], 1e-8) {
				t.Fatalf("Step(%d) mean circ[%d] = %v, want %v", tt, k, ens.MeanCirc[k], want[k])
			}
		}
	}
}

func TestIterateOneHotWhenTargetIsAnalog(t *testing.T) {
	// If the target circulation state equals one of the sampled analogs and
	// the stack has full rank, the unique coefficient vector is one-hot, so
	// the reconstructed target is that analog's target state.
	circ := randomField("psl", 5, 3, 3, 13)
	target := randomField("tas", 5, 3, 3, 14)
	const (
		tt    = 26 // March of year 2
		match = 14 // March of year 1, a pool member
	)
	copy(circ.Slab(tt), circ.Slab(match))

	master := rand.New(rand.NewSource(3))
	rec, err := New(circ, target, Options{NA: 4, NB: 3, NIter: 1}, master, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	// A candidate set of exactly N_b entries makes the drawn sample the
	// whole set, so the matching analog is always included.
	candidates := []int{2, match, 50}
	res, nerr := rec.iterate(tt, 0, candidates, rand.New(rand.NewSource(8)))
	if nerr != nil {
		t.Fatalf("iterate returned error: %v", nerr)
	}
	for k := range res.Target {
		if !almostEqual(res.Target[k], target.Slab(match)[k], 1e-6) {
			t.Fatalf("target[%d] = %v, want the matching analog's %v",
				k, res.Target[k], target.Slab(match)[k])
		}
		if !almostEqual(res.Circ[k], circ.Slab(tt)[k], 1e-6) {
			t.Fatalf("circ[%d] = %v, want %v", k, res.Circ[k], circ.Slab(tt)[k])
		}
	}
}

func TestStepSingleIterationMean(t *testing.T) {
	circ := randomField("psl", 5, 3, 3, 3)
	target := randomField("tas", 5, 3, 3, 4)
	master := rand.New(rand.NewSource(9))
	rec, err := New(circ, target, Options{NA: 4, NB: 2, NIter: 1}, master, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ens, err := rec.Step(25)
	if err != nil {
		t.Fatalf("Step returned error: %v", err)
	}
	for k := range ens.MeanTarget {
		if ens.MeanTarget[k] != ens.Results[0].Target[k] {
			t.Fatalf("single-iteration mean[%d] = %v, want %v",
				k, ens.MeanTarget[k], ens.Results[0].Target[k])
		}
	}
}

func TestStepDeterministicWithSeed(t *testing.T) {
	run := func() *StepEnsemble {
		circ := randomField("psl", 5, 3, 3, 3)
		target := randomField("tas", 5, 3, 3, 4)
		master := rand.New(rand.NewSource(123))
		rec, err := New(circ, target, Options{NA: 4, NB: 2, NIter: 5, Workers: 3}, master, nil)
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		ens, err := rec.Step(30)
		if err != nil {
			t.Fatalf("Step returned error: %v", err)
		}
		return ens
	}
	a, b := run(), run()
	for ia := range a.Results {
		for k := range a.Results[ia].Target {
			if a.Results[ia].Target[k] != b.Results[ia].Target[k] {
				t.Fatalf("iteration %d target[%d] differs between seeded runs: %v vs %v",
					ia, k, a.Results[ia].Target[k], b.Results[ia].Target[k])
			}
		}
	}
}

func TestStepAllIterationsDegenerate(t *testing.T) {
	// A zero circulation field: every analog stack has only zero singular
	// values, so the pseudo-inverse fails in every iteration.
	circ := randomField("psl", 4, 3, 3, 5)
	for i := range circ.Data.Elements {
		circ.Data.Elements[i] = 0
	}
	target := randomField("tas", 4, 3, 3, 6)
	master := rand.New(rand.NewSource(1))
	rec, err := New(circ, target, Options{NA: 3, NB: 2, NIter: 3}, master, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := rec.Step(13); err == nil {
		t.Error("Step on rank-one analogs = nil error, want all-degenerate error")
	}
}

func TestQuantile(t *testing.T) {
	ens := &StepEnsemble{
		Results: []*IterationResult{
			{Target: []float64{4, 10}},
			{Target: []float64{1, 40}},
			nil, // dropped iteration
			{Target: []float64{3, 20}},
			{Target: []float64{2, 30}},
		},
		MeanTarget: make([]float64, 2),
	}
	tests := []struct {
		q    float64
		want [2]float64
	}{
		{0, [2]float64{1, 10}},
		{0.5, [2]float64{2.5, 25}},
		{1, [2]float64{4, 40}},
		{0.05, [2]float64{1.15, 11.5}},
		{0.95, [2]float64{3.85, 38.5}},
	}
	for _, test := range tests {
		got := ens.Quantile(test.q)
		for k := range test.want {
			if !almostEqual(got[k], test.want[k], 1e-9) {
				t.Errorf("Quantile(%v)[%d] = %v, want %v", test.q, k, got[k], test.want[k])
			}
		}
	}
}

func TestQuantileEmpty(t *testing.T) {
	if v := quantile(nil, 0.5); !math.IsNaN(v) {
		t.Errorf("quantile(nil, 0.5) = %v, want NaN", v)
	}
}
