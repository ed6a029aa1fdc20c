// Package ncio reads gridded input fields from NetCDF files and writes
// the run's output artifact: the full iteration ensemble, the ensemble
// means and, in evaluation mode, the forced-component field, together
// with the run metadata.
package ncio

import (
	"fmt"
	"os"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"

	"github.com/forcesmip/dynadjust/internal/field"
)

// ReadField loads a (time, lat, lon) variable and its coordinate vectors.
// The field's ingestion invariants are validated before it is returned.
func ReadField(path, varName string) (*field.Field, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer ff.Close()

	f, err := cdf.Open(ff)
	if err != nil {
		return nil, fmt.Errorf("read NetCDF header of %s: %w", path, err)
	}

	dims := f.Header.Lengths(varName)
	if len(dims) != 3 {
		return nil, fmt.Errorf("%s: variable %q has %d dimensions, want (time, lat, lon)",
			path, varName, len(dims))
	}

	lats, err := readCoord(f, "lat", "latitude")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	lons, err := readCoord(f, "lon", "longitude")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(lats) != dims[1] || len(lons) != dims[2] {
		return nil, fmt.Errorf("%s: coordinate lengths (%d,%d) do not match %q dims (%d,%d)",
			path, len(lats), len(lons), varName, dims[1], dims[2])
	}

	startYear := 0
	if a := f.Header.GetAttribute("", "start_year"); a != nil {
		if v, ok := a.([]int32); ok && len(v) > 0 {
			startYear = int(v[0])
		}
	}

	out := field.New(varName, dims[0], lats, lons, startYear)
	if a := f.Header.GetAttribute(varName, "units"); a != nil {
		if s, ok := a.(string); ok {
			out.Units = s
		}
	}

	vals, err := readVar(f, varName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(vals) != len(out.Data.Elements) {
		return nil, fmt.Errorf("%s: variable %q holds %d values, want %d",
			path, varName, len(vals), len(out.Data.Elements))
	}
	copy(out.Data.Elements, vals)

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// readCoord reads the first present coordinate variable among names.
func readCoord(f *cdf.File, names ...string) ([]float64, error) {
	for _, n := range names {
		if len(f.Header.Lengths(n)) == 1 {
			return readVar(f, n)
		}
	}
	return nil, fmt.Errorf("no coordinate variable among %v", names)
}

// readVar reads a whole variable as float64, accepting float32, float64
// and integer storage.
func readVar(f *cdf.File, varName string) ([]float64, error) {
	dims := f.Header.Lengths(varName)
	if len(dims) == 0 {
		return nil, fmt.Errorf("variable %q not in file", varName)
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	r := f.Reader(varName, nil, nil)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("read %q: %w", varName, err)
	}
	out := make([]float64, n)
	switch b := buf.(type) {
	case []float64:
		copy(out, b)
	case []float32:
		for i, v := range b {
			out[i] = float64(v)
		}
	case []int32:
		for i, v := range b {
			out[i] = float64(v)
		}
	case []int16:
		for i, v := range b {
			out[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("variable %q has unsupported storage type %T", varName, buf)
	}
	return out, nil
}

// WriteField writes a single (time, lat, lon) field with its coordinate
// variables, in the layout ReadField expects.
func WriteField(path string, fld *field.Field) error {
	h := cdf.NewHeader(
		[]string{"time", "lat", "lon"},
		[]int{fld.NTime(), fld.NLat(), fld.NLon()})
	h.AddAttribute("", "start_year", []int32{int32(fld.StartYear)})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddVariable(fld.Name, []string{"time", "lat", "lon"}, []float32{0})
	if fld.Units != "" {
		h.AddAttribute(fld.Name, "units", fld.Units)
	}
	h.Define()

	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("write NetCDF header: %w", err)
	}
	if err := writeFloat64s(f, "lat", fld.Lats); err != nil {
		return err
	}
	if err := writeFloat64s(f, "lon", fld.Lons); err != nil {
		return err
	}
	if err := writeArray(f, fld.Name, fld.Data); err != nil {
		return err
	}
	if err := cdf.UpdateNumRecs(ff); err != nil {
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}

// Output is everything WriteEnsemble puts in the artifact. The ensembles
// have shape [niter, ntime, nlat, nlon]; the means [ntime, nlat, nlon];
// Forced, present only in evaluation mode, [nlat, nlon].
type Output struct {
	RunID     string
	TargetVar string
	CircVar   string
	Attrs     map[string]string

	Lats      []float64
	Lons      []float64
	StartYear int

	TargetEnsemble *sparse.DenseArray
	CircEnsemble   *sparse.DenseArray
	TargetMean     *sparse.DenseArray
	CircMean       *sparse.DenseArray
	// TargetLower and TargetUpper are the ensemble spread bands,
	// present when the run used more than one iteration.
	TargetLower *sparse.DenseArray
	TargetUpper *sparse.DenseArray
	Forced      *sparse.DenseArray
}

// WriteEnsemble writes the output artifact to path. Data variables are
// stored as float32; dropped iterations appear as NaN in the ensembles.
func WriteEnsemble(path string, out *Output) error {
	niter := out.TargetEnsemble.Shape[0]
	ntime := out.TargetEnsemble.Shape[1]
	nlat, nlon := len(out.Lats), len(out.Lons)

	h := cdf.NewHeader(
		[]string{"iteration", "time", "lat", "lon"},
		[]int{niter, ntime, nlat, nlon})
	h.AddAttribute("", "title", "dynamical adjustment via constructed circulation analogs")
	h.AddAttribute("", "run_id", out.RunID)
	h.AddAttribute("", "start_year", []int32{int32(out.StartYear)})
	for k, v := range out.Attrs {
		h.AddAttribute("", k, v)
	}

	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddVariable("time", []string{"time"}, []int32{0})
	h.AddAttribute("time", "units", fmt.Sprintf("months since %d-01", out.StartYear))

	full := []string{"iteration", "time", "lat", "lon"}
	mean := []string{"time", "lat", "lon"}
	tgtEns := out.TargetVar + "_recon"
	circEns := out.CircVar + "_recon"
	tgtMean := out.TargetVar + "_recon_mean"
	circMean := out.CircVar + "_recon_mean"

	h.AddVariable(tgtEns, full, []float32{0})
	h.AddAttribute(tgtEns, "description", "reconstructed dynamical component, one field per iteration")
	h.AddVariable(circEns, full, []float32{0})
	h.AddAttribute(circEns, "description", "reconstructed circulation analog, one field per iteration")
	h.AddVariable(tgtMean, mean, []float32{0})
	h.AddAttribute(tgtMean, "description", "iteration-mean dynamical component")
	h.AddVariable(circMean, mean, []float32{0})
	h.AddAttribute(circMean, "description", "iteration-mean reconstructed circulation")

	loName := out.TargetVar + "_recon_q05"
	hiName := out.TargetVar + "_recon_q95"
	if out.TargetLower != nil {
		h.AddVariable(loName, mean, []float32{0})
		h.AddAttribute(loName, "description", "5th percentile of the iteration ensemble")
		h.AddVariable(hiName, mean, []float32{0})
		h.AddAttribute(hiName, "description", "95th percentile of the iteration ensemble")
	}

	forcedName := out.TargetVar + "_forced"
	if out.Forced != nil {
		h.AddVariable(forcedName, []string{"lat", "lon"}, []float32{0})
		h.AddAttribute(forcedName, "description", "forced component: linear trend total change of the annual-mean residual")
	}
	h.Define()

	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("write NetCDF header: %w", err)
	}

	if err := writeFloat64s(f, "lat", out.Lats); err != nil {
		return err
	}
	if err := writeFloat64s(f, "lon", out.Lons); err != nil {
		return err
	}
	months := make([]int32, ntime)
	for t := range months {
		months[t] = int32(t)
	}
	if err := writeVals(f, "time", months); err != nil {
		return err
	}

	if err := writeArray(f, tgtEns, out.TargetEnsemble); err != nil {
		return err
	}
	if err := writeArray(f, circEns, out.CircEnsemble); err != nil {
		return err
	}
	if err := writeArray(f, tgtMean, out.TargetMean); err != nil {
		return err
	}
	if err := writeArray(f, circMean, out.CircMean); err != nil {
		return err
	}
	if out.TargetLower != nil {
		if err := writeArray(f, loName, out.TargetLower); err != nil {
			return err
		}
		if err := writeArray(f, hiName, out.TargetUpper); err != nil {
			return err
		}
	}
	if out.Forced != nil {
		if err := writeArray(f, forcedName, out.Forced); err != nil {
			return err
		}
	}
	if err := cdf.UpdateNumRecs(ff); err != nil {
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}

func writeArray(f *cdf.File, varName string, data *sparse.DenseArray) error {
	vals := make([]float32, len(data.Elements))
	for i, v := range data.Elements {
		vals[i] = float32(v)
	}
	return writeVals(f, varName, vals)
}

func writeFloat64s(f *cdf.File, varName string, data []float64) error {
	return writeVals(f, varName, append([]float64(nil), data...))
}

func writeVals(f *cdf.File, varName string, vals interface{}) error {
	end := f.Header.Lengths(varName)
	start := make([]int, len(end))
	w := f.Writer(varName, start, end)
	if _, err := w.Write(vals); err != nil {
		return fmt.Errorf("write %q: %w", varName, err)
	}
	return nil
}
