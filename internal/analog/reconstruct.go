package analog

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/forcesmip/dynadjust/internal/field"
)

// Options sizes the reconstruction.
type Options struct {
	// NA is the analog-pool size per calendar month; it must match the
	// actual per-month pool count nyrs-1.
	NA int
	// NB is the number of analogs subsampled per iteration; NB < NA and
	// NB < D, the spatial dimension.
	NB int
	// NIter is the number of randomized-subsample iterations per time step.
	NIter int
	// Workers bounds the iteration worker pool; 0 means runtime.NumCPU().
	Workers int
}

// NumericalError marks a degenerate SVD pseudo-inverse in one iteration.
// The iteration is dropped from the ensemble; the run continues.
type NumericalError struct {
	TimeStep  int
	Iteration int
	Value     float64
	Reason    string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("time step %d iteration %d: %s (observed %v)",
		e.TimeStep, e.Iteration, e.Reason, e.Value)
}

// IterationResult is one iteration's pair of reconstructed fields,
// flattened to length D.
type IterationResult struct {
	Target []float64
	Circ   []float64
}

// StepEnsemble is the iteration ensemble of one time step. Results keeps
// iteration order; entries are nil where the iteration was dropped for a
// NumericalError. MeanTarget is the best-estimate dynamical component.
type StepEnsemble struct {
	TimeStep   int
	Results    []*IterationResult
	MeanTarget []float64
	MeanCirc   []float64
	Dropped    int
}

// Reconstructor runs the per-time-step analog reconstruction over a
// detrended circulation field and its companion target field. Both fields
// are read-only once the Reconstructor is built.
type Reconstructor struct {
	circ   *field.Field
	target *field.Field
	opt    Options
	master *rand.Rand
	log    *zap.Logger
}

// New validates the sizing contract once, before any time-step work, and
// returns a ready Reconstructor. master supplies the per-iteration seeds;
// it must not be shared with other writers while the run is in progress.
func New(circ, target *field.Field, opt Options, master *rand.Rand, log *zap.Logger) (*Reconstructor, error) {
	if circ.NTime() != target.NTime() || circ.D() != target.D() {
		return nil, fmt.Errorf("circulation %dx%d and target %dx%d grids do not match",
			circ.NTime(), circ.D(), target.NTime(), target.D())
	}
	na := circ.NYears() - 1
	if opt.NA != na {
		return nil, fmt.Errorf("N_a = %d does not match the per-month pool count %d",
			opt.NA, na)
	}
	if opt.NB >= opt.NA {
		return nil, fmt.Errorf("N_b = %d must be smaller than N_a = %d", opt.NB, opt.NA)
	}
	d := circ.D()
	if opt.NB >= d {
		return nil, fmt.Errorf("N_b = %d must be smaller than the spatial dimension D = %d",
			opt.NB, d)
	}
	if opt.NB < 1 || opt.NIter < 1 {
		return nil, fmt.Errorf("N_b = %d and niter = %d must be positive", opt.NB, opt.NIter)
	}
	if opt.Workers <= 0 {
		opt.Workers = runtime.NumCPU()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconstructor{circ: circ, target: target, opt: opt, master: master, log: log}, nil
}

// Step reconstructs time step t: NIter independent iterations on a worker
// pool, each drawing its own analog subsample with its own seeded RNG,
// then the ensemble mean over the iterations that survived. Iterations
// share only read-only inputs. Step fails only if every iteration was
// numerically degenerate.
func (r *Reconstructor) Step(t int) (*StepEnsemble, error) {
	candidates := Candidates(t, r.circ.NTime())

	// Per-iteration seeds from the master stream, drawn up front so the
	// workers never touch a shared RNG.
	seeds := make([]int64, r.opt.NIter)
	for i := range seeds {
		seeds[i] = r.master.Int63()
	}

	workers := r.opt.Workers
	if workers > r.opt.NIter {
		workers = r.opt.NIter
	}

	type outcome struct {
		ia  int
		res *IterationResult
		err *NumericalError
	}
	jobs := make(chan int)
	results := make(chan outcome, r.opt.NIter)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for ia := range jobs {
				rng := rand.New(rand.NewSource(seeds[ia]))
				res, err := r.iterate(t, ia, candidates, rng)
				results <- outcome{ia: ia, res: res, err: err}
			}
		}()
	}
	go func() {
		for ia := 0; ia < r.opt.NIter; ia++ {
			jobs <- ia
		}
		close(jobs)
	}()

	ens := &StepEnsemble{
		TimeStep: t,
		Results:  make([]*IterationResult, r.opt.NIter),
	}
	for i := 0; i < r.opt.NIter; i++ {
		out := <-results
		if out.err != nil {
			ens.Dropped++
			r.log.Warn("dropping degenerate iteration",
				zap.Int("timeStep", out.err.TimeStep),
				zap.Int("iteration", out.err.Iteration),
				zap.Float64("observed", out.err.Value),
				zap.String("reason", out.err.Reason))
			continue
		}
		ens.Results[out.ia] = out.res
	}
	wg.Wait()
	close(results)

	if ens.Dropped == r.opt.NIter {
		return nil, fmt.Errorf("time step %d: all %d iterations numerically degenerate",
			t, r.opt.NIter)
	}
	ens.reduce(r.circ.D())
	return ens, nil
}

// iterate performs one randomized-subsample reconstruction. The analog
// subsample is drawn without replacement; the circulation analogs are
// stacked row-wise, decomposed with a thin SVD, and the pseudo-inverse
// coefficients of the target circulation state weight both analog stacks.
// Singular values are inverted directly, without truncation.
func (r *Reconstructor) iterate(t, ia int, candidates []int, rng *rand.Rand) (*IterationResult, *NumericalError) {
	nb, d := r.opt.NB, r.circ.D()

	perm := rng.Perm(len(candidates))
	sample := make([]int, nb)
	for i := 0; i < nb; i++ {
		sample[i] = candidates[perm[i]]
	}

	a := mat.NewDense(nb, d, nil)
	for i, ti := range sample {
		a.SetRow(i, r.circ.Slab(ti))
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, &NumericalError{TimeStep: t, Iteration: ia,
			Value: math.NaN(), Reason: "SVD factorization failed"}
	}
	sv := svd.Values(nil) // nb singular values, nb < d
	var u, v mat.Dense
	svd.UTo(&u) // nb x nb
	svd.VTo(&v) // d x nb

	// x = f . V . S^-1 . U^T for the flattened target circulation state f.
	f := r.circ.Slab(t)
	w := make([]float64, nb)
	for j := 0; j < nb; j++ {
		s := 0.0
		for k := 0; k < d; k++ {
			s += f[k] * v.At(k, j)
		}
		if sv[j] == 0 {
			return nil, &NumericalError{TimeStep: t, Iteration: ia,
				Value: 0, Reason: "zero singular value in pseudo-inverse"}
		}
		w[j] = s / sv[j]
		if math.IsNaN(w[j]) || math.IsInf(w[j], 0) {
			return nil, &NumericalError{TimeStep: t, Iteration: ia,
				Value: sv[j], Reason: "singular value too small to invert"}
		}
	}
	x := make([]float64, nb)
	for i := 0; i < nb; i++ {
		s := 0.0
		for j := 0; j < nb; j++ {
			s += w[j] * u.At(i, j)
		}
		x[i] = s
	}

	res := &IterationResult{
		Target: make([]float64, d),
		Circ:   make([]float64, d),
	}
	for i, ti := range sample {
		xi := x[i]
		tgt := r.target.Slab(ti)
		crc := r.circ.Slab(ti)
		for k := 0; k < d; k++ {
			res.Target[k] += xi * tgt[k]
			res.Circ[k] += xi * crc[k]
		}
	}
	return res, nil
}

// reduce fills the ensemble means over the surviving iterations.
func (e *StepEnsemble) reduce(d int) {
	e.MeanTarget = make([]float64, d)
	e.MeanCirc = make([]float64, d)
	n := 0
	for _, res := range e.Results {
		if res == nil {
			continue
		}
		n++
		for k := 0; k < d; k++ {
			e.MeanTarget[k] += res.Target[k]
			e.MeanCirc[k] += res.Circ[k]
		}
	}
	for k := 0; k < d; k++ {
		e.MeanTarget[k] /= float64(n)
		e.MeanCirc[k] /= float64(n)
	}
}
