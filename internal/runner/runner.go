// Package runner orchestrates an adjustment run: ingestion, windowing and
// region subsetting, detrending, the per-time-step analog reconstruction
// loop, and the output artifact.
package runner

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ctessum/sparse"
	"github.com/google/uuid"
	"github.com/gosuri/uiprogress"
	mrg63k3a "github.com/maseology/pnrg/MRG63k3a"
	"go.uber.org/zap"

	"github.com/forcesmip/dynadjust/internal/analog"
	"github.com/forcesmip/dynadjust/internal/config"
	"github.com/forcesmip/dynadjust/internal/detrend"
	"github.com/forcesmip/dynadjust/internal/field"
	"github.com/forcesmip/dynadjust/internal/forced"
	"github.com/forcesmip/dynadjust/internal/ncio"
)

// Runner executes one configured run.
type Runner struct {
	cfg      *config.Run
	log      *zap.Logger
	progress bool
}

// New returns a Runner for a validated configuration.
func New(cfg *config.Run, log *zap.Logger, progress bool) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, log: log, progress: progress}
}

// Run executes the workflow and writes the output artifact. It either
// completes or returns a diagnosed fatal error; no partial silent output.
func (r *Runner) Run() error {
	cfg := r.cfg
	runID := uuid.NewString()
	r.log.Info("starting run",
		zap.String("runID", runID),
		zap.String("mode", cfg.Mode),
		zap.String("region", cfg.Region),
		zap.String("detrend", cfg.DetrendStrategy))

	target, circ, err := r.ingest()
	if err != nil {
		return err
	}

	// The pre-adjustment target series; the evaluation residual is taken
	// against this, not against the detrended series.
	original := target

	dp := detrend.Params{
		Knots:        cfg.Knots,
		CutoffYears:  cfg.CutoffYears,
		CutoffMonths: cfg.CutoffMonths,
	}
	targetDet, err := detrend.Detrend(target, cfg.DetrendStrategy, dp)
	if err != nil {
		return fmt.Errorf("detrend %s: %w", cfg.TargetVar, err)
	}
	circDet, err := detrend.Detrend(circ, cfg.DetrendStrategy, dp)
	if err != nil {
		return fmt.Errorf("detrend %s: %w", cfg.CirculationVar, err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	master := rand.New(mrg63k3a.New())
	master.Seed(seed)

	rec, err := analog.New(circDet, targetDet, analog.Options{
		NA:      cfg.NA,
		NB:      cfg.NB,
		NIter:   cfg.NIter,
		Workers: cfg.Workers,
	}, master, r.log)
	if err != nil {
		return err
	}

	ntime := circDet.NTime()
	nlat, nlon := circDet.NLat(), circDet.NLon()
	d := nlat * nlon

	tgtEns := sparse.ZerosDense(cfg.NIter, ntime, nlat, nlon)
	circEns := sparse.ZerosDense(cfg.NIter, ntime, nlat, nlon)
	fill(tgtEns.Elements, math.NaN())
	fill(circEns.Elements, math.NaN())
	tgtMean := sparse.ZerosDense(ntime, nlat, nlon)
	circMean := sparse.ZerosDense(ntime, nlat, nlon)
	var tgtLo, tgtHi *sparse.DenseArray
	if cfg.NIter > 1 {
		tgtLo = sparse.ZerosDense(ntime, nlat, nlon)
		tgtHi = sparse.ZerosDense(ntime, nlat, nlon)
	}

	var bar *uiprogress.Bar
	if r.progress {
		uiprogress.Start()
		bar = uiprogress.AddBar(ntime).AppendCompleted().PrependElapsed()
	}
	dropped := 0
	for t := 0; t < ntime; t++ {
		ens, err := rec.Step(t)
		if err != nil {
			return err
		}
		dropped += ens.Dropped
		for ia, res := range ens.Results {
			if res == nil {
				continue
			}
			copy(tgtEns.Elements[(ia*ntime+t)*d:(ia*ntime+t+1)*d], res.Target)
			copy(circEns.Elements[(ia*ntime+t)*d:(ia*ntime+t+1)*d], res.Circ)
		}
		copy(tgtMean.Elements[t*d:(t+1)*d], ens.MeanTarget)
		copy(circMean.Elements[t*d:(t+1)*d], ens.MeanCirc)
		if tgtLo != nil {
			copy(tgtLo.Elements[t*d:(t+1)*d], ens.Quantile(0.05))
			copy(tgtHi.Elements[t*d:(t+1)*d], ens.Quantile(0.95))
		}
		if bar != nil {
			bar.Incr()
		}
	}
	if r.progress {
		uiprogress.Stop()
	}
	if dropped > 0 {
		r.log.Warn("iterations dropped for numerical degeneracy",
			zap.Int("dropped", dropped),
			zap.Int("total", cfg.NIter*ntime))
	}

	out := &ncio.Output{
		RunID:     runID,
		TargetVar: cfg.TargetVar,
		CircVar:   cfg.CirculationVar,
		Attrs: map[string]string{
			"mode":             cfg.Mode,
			"region":           cfg.Region,
			"detrend_strategy": cfg.DetrendStrategy,
			"n_analogs":        fmt.Sprint(cfg.NA),
			"n_subsample":      fmt.Sprint(cfg.NB),
			"n_iterations":     fmt.Sprint(cfg.NIter),
			"seed":             fmt.Sprint(seed),
		},
		Lats:           circDet.Lats,
		Lons:           circDet.Lons,
		StartYear:      circDet.StartYear,
		TargetEnsemble: tgtEns,
		CircEnsemble:   circEns,
		TargetMean:     tgtMean,
		CircMean:       circMean,
		TargetLower:    tgtLo,
		TargetUpper:    tgtHi,
	}

	if cfg.Mode == config.ModeEvaluation {
		dyn := field.New(cfg.TargetVar, ntime, original.Lats, original.Lons, original.StartYear)
		copy(dyn.Data.Elements, tgtMean.Elements)
		forcedField, err := forced.Trend(original, dyn, cfg.MonthOffset)
		if err != nil {
			return fmt.Errorf("forced component: %w", err)
		}
		out.Forced = forcedField
	}

	if err := ncio.WriteEnsemble(cfg.OutputPath, out); err != nil {
		return err
	}
	if err := config.Save(cfg, cfg.OutputPath+".run.yaml"); err != nil {
		return err
	}
	r.log.Info("run complete",
		zap.String("runID", runID),
		zap.String("output", cfg.OutputPath),
		zap.Int("timeSteps", ntime),
		zap.Int("iterations", cfg.NIter))
	return nil
}

// ingest reads both input fields and applies the time window, region
// subset and anomaly options. The two fields must cover the same record.
func (r *Runner) ingest() (target, circ *field.Field, err error) {
	cfg := r.cfg
	target, err = ncio.ReadField(cfg.TargetFile, cfg.TargetVar)
	if err != nil {
		return nil, nil, err
	}
	circ, err = ncio.ReadField(cfg.CirculationFile, cfg.CirculationVar)
	if err != nil {
		return nil, nil, err
	}
	if target.NTime() != circ.NTime() || target.StartYear != circ.StartYear {
		return nil, nil, fmt.Errorf("target record (%d steps from %d) does not match circulation record (%d steps from %d)",
			target.NTime(), target.StartYear, circ.NTime(), circ.StartYear)
	}

	if cfg.StartYear != 0 || cfg.EndYear != 0 {
		if target, err = target.Window(cfg.StartYear, cfg.EndYear); err != nil {
			return nil, nil, err
		}
		if circ, err = circ.Window(cfg.StartYear, cfg.EndYear); err != nil {
			return nil, nil, err
		}
	}

	region, err := field.LookupRegion(cfg.Region)
	if err != nil {
		return nil, nil, err
	}
	if target, err = target.Subset(region); err != nil {
		return nil, nil, err
	}
	if circ, err = circ.Subset(region); err != nil {
		return nil, nil, err
	}

	if cfg.AnomalyTarget {
		target = target.Anomalies()
	}
	if cfg.AnomalyCirculation {
		circ = circ.Anomalies()
	}
	return target, circ, nil
}

func fill(x []float64, v float64) {
	for i := range x {
		x[i] = v
	}
}
