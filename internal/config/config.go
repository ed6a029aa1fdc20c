// Package config resolves the run configuration from file, environment
// and defaults, and validates it before any numerical work starts.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/forcesmip/dynadjust/internal/detrend"
	"github.com/forcesmip/dynadjust/internal/field"
)

// Run modes.
const (
	ModeTraining   = "training"
	ModeEvaluation = "evaluation"
)

// Run is the full configuration of one adjustment run. The variable names
// are resolved into typed field handles once at ingestion; nothing looks
// fields up by string while the run is underway.
type Run struct {
	Mode string `mapstructure:"mode" yaml:"mode"`

	TargetFile      string `mapstructure:"target_file" yaml:"target_file"`
	TargetVar       string `mapstructure:"target_var" yaml:"target_var"`
	CirculationFile string `mapstructure:"circulation_file" yaml:"circulation_file"`
	CirculationVar  string `mapstructure:"circulation_var" yaml:"circulation_var"`

	StartYear int    `mapstructure:"start_year" yaml:"start_year"`
	EndYear   int    `mapstructure:"end_year" yaml:"end_year"`
	Region    string `mapstructure:"region" yaml:"region"`

	NA    int `mapstructure:"n_analogs" yaml:"n_analogs"`
	NB    int `mapstructure:"n_subsample" yaml:"n_subsample"`
	NIter int `mapstructure:"n_iterations" yaml:"n_iterations"`

	DetrendStrategy string  `mapstructure:"detrend_strategy" yaml:"detrend_strategy"`
	Knots           int     `mapstructure:"spline_knots" yaml:"spline_knots"`
	CutoffYears     float64 `mapstructure:"cutoff_years" yaml:"cutoff_years"`
	CutoffMonths    float64 `mapstructure:"cutoff_months" yaml:"cutoff_months"`

	AnomalyTarget      bool `mapstructure:"anomaly_target" yaml:"anomaly_target"`
	AnomalyCirculation bool `mapstructure:"anomaly_circulation" yaml:"anomaly_circulation"`

	MonthOffset int    `mapstructure:"month_offset" yaml:"month_offset"`
	Seed        int64  `mapstructure:"seed" yaml:"seed"`
	Workers     int    `mapstructure:"workers" yaml:"workers"`
	OutputPath  string `mapstructure:"output_path" yaml:"output_path"`
}

// ValidationError reports a rejected configuration parameter and the
// observed value.
type ValidationError struct {
	Param  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration: %s = %v: %s", e.Param, e.Value, e.Reason)
}

// Load resolves configuration with precedence env > config file > defaults.
// cfgFile may be empty, in which case only env and defaults apply.
func Load(cfgFile string) (*Run, error) {
	v := viper.New()
	v.SetEnvPrefix("DYNADJUST")
	v.AutomaticEnv()

	v.SetDefault("mode", ModeEvaluation)
	v.SetDefault("target_var", "tas")
	v.SetDefault("circulation_var", "psl")
	v.SetDefault("region", "global")
	v.SetDefault("n_iterations", 30)
	v.SetDefault("detrend_strategy", "cubic")
	v.SetDefault("spline_knots", 4)
	v.SetDefault("cutoff_years", 10)
	v.SetDefault("cutoff_months", 120)
	v.SetDefault("anomaly_target", true)
	v.SetDefault("anomaly_circulation", true)
	v.SetDefault("month_offset", 6)
	v.SetDefault("output_path", "dynadjust_out.nc")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	var c Run
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate applies every check that does not need the grid in memory.
// Grid-dependent checks (N_b against the spatial dimension, N_a against
// the per-month pool count) run in the analog engine before the time-step
// loop.
func (c *Run) Validate() error {
	if c.Mode != ModeTraining && c.Mode != ModeEvaluation {
		return &ValidationError{Param: "mode", Value: c.Mode,
			Reason: "must be training or evaluation"}
	}
	if c.TargetFile == "" || c.CirculationFile == "" {
		return &ValidationError{Param: "target_file/circulation_file",
			Value: "", Reason: "input files are required"}
	}
	if c.TargetVar == "" || c.CirculationVar == "" {
		return &ValidationError{Param: "target_var/circulation_var",
			Value: "", Reason: "variable names are required"}
	}
	if !detrend.Known(c.DetrendStrategy) {
		return &ValidationError{Param: "detrend_strategy", Value: c.DetrendStrategy,
			Reason: fmt.Sprintf("unknown strategy (want one of %v)", detrend.Strategies)}
	}
	if _, err := field.LookupRegion(c.Region); err != nil {
		return &ValidationError{Param: "region", Value: c.Region, Reason: err.Error()}
	}
	if c.EndYear < c.StartYear {
		return &ValidationError{Param: "end_year", Value: c.EndYear,
			Reason: fmt.Sprintf("malformed time window [%d,%d]", c.StartYear, c.EndYear)}
	}
	if c.NB < 1 {
		return &ValidationError{Param: "n_subsample", Value: c.NB,
			Reason: "must be positive"}
	}
	if c.NB >= c.NA {
		return &ValidationError{Param: "n_subsample", Value: c.NB,
			Reason: fmt.Sprintf("must be smaller than n_analogs = %d", c.NA)}
	}
	if c.NIter < 1 {
		return &ValidationError{Param: "n_iterations", Value: c.NIter,
			Reason: "must be positive"}
	}
	if c.MonthOffset < 0 || c.MonthOffset > 11 {
		return &ValidationError{Param: "month_offset", Value: c.MonthOffset,
			Reason: "must lie in [0,11]"}
	}
	if c.OutputPath == "" {
		return &ValidationError{Param: "output_path", Value: "",
			Reason: "output path is required"}
	}
	return nil
}

// Save writes the resolved configuration as the yaml run manifest.
func Save(c *Run, path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
