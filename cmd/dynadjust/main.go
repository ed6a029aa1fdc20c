// Command dynadjust estimates the circulation-driven component of a
// monthly gridded climate field by constructed circulation analogs, so
// that subtracting it isolates the externally forced trend.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	cfgpkg "github.com/forcesmip/dynadjust/internal/config"
	"github.com/forcesmip/dynadjust/internal/detrend"
	"github.com/forcesmip/dynadjust/internal/field"
	"github.com/forcesmip/dynadjust/internal/runner"
)

var (
	cfgFile string
	debug   bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dynadjust",
	Short: "Dynamical adjustment of climate fields via constructed circulation analogs",
	Long: `dynadjust reconstructs the circulation-driven component of a monthly
gridded target field as a linear combination of historical analog
circulation states (leave-one-year-out, randomized subsamples, SVD
pseudo-inverse), averages a randomized-iteration ensemble, and in
evaluation mode derives the residual forced trend.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if debug {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute an adjustment run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load(cfgFile)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		noProgress, _ := cmd.Flags().GetBool("no-progress")
		return runner.New(cfg, logger, !noProgress).Run()
	},
}

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List the known analysis regions",
	Run: func(cmd *cobra.Command, args []string) {
		names := make([]string, 0, len(field.Regions))
		for name := range field.Regions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			r := field.Regions[name]
			rotated := ""
			if r.Flip {
				rotated = "  (rotated longitude origin)"
			}
			fmt.Printf("%-15s lat %6.1f..%6.1f  lon %6.1f..%6.1f%s\n",
				name, r.MinLat, r.MaxLat, r.MinLon, r.MaxLon, rotated)
		}
	},
}

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List the detrending strategies",
	Run: func(cmd *cobra.Command, args []string) {
		for _, s := range detrend.Strategies {
			fmt.Println(s)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "run configuration file (yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	f := runCmd.Flags()
	f.String("mode", "", "training or evaluation (overrides config)")
	f.String("target-file", "", "NetCDF file holding the target variable")
	f.String("target-var", "", "target variable name")
	f.String("circulation-file", "", "NetCDF file holding the circulation variable")
	f.String("circulation-var", "", "circulation variable name")
	f.String("region", "", "analysis region (see 'dynadjust regions')")
	f.Int("start-year", 0, "first year of the analysis window")
	f.Int("end-year", 0, "last year of the analysis window")
	f.Int("na", 0, "analog pool size per calendar month")
	f.Int("nb", 0, "analogs subsampled per iteration")
	f.Int("niter", 0, "randomized-subsample iterations per time step")
	f.String("detrend", "", "detrending strategy (see 'dynadjust strategies')")
	f.Int64("seed", 0, "master RNG seed (0 = time-based)")
	f.Int("workers", 0, "iteration worker count (0 = all CPUs)")
	f.String("output", "", "output NetCDF path")
	f.Bool("no-progress", false, "disable the progress bar")

	rootCmd.AddCommand(runCmd, regionsCmd, strategiesCmd)
}

// applyFlagOverrides copies explicitly set run flags over the loaded
// configuration; flags win over file and environment.
func applyFlagOverrides(cmd *cobra.Command, cfg *cfgpkg.Run) {
	f := cmd.Flags()
	if f.Changed("mode") {
		cfg.Mode, _ = f.GetString("mode")
	}
	if f.Changed("target-file") {
		cfg.TargetFile, _ = f.GetString("target-file")
	}
	if f.Changed("target-var") {
		cfg.TargetVar, _ = f.GetString("target-var")
	}
	if f.Changed("circulation-file") {
		cfg.CirculationFile, _ = f.GetString("circulation-file")
	}
	if f.Changed("circulation-var") {
		cfg.CirculationVar, _ = f.GetString("circulation-var")
	}
	if f.Changed("region") {
		cfg.Region, _ = f.GetString("region")
	}
	if f.Changed("start-year") {
		cfg.StartYear, _ = f.GetInt("start-year")
	}
	if f.Changed("end-year") {
		cfg.EndYear, _ = f.GetInt("end-year")
	}
	if f.Changed("na") {
		cfg.NA, _ = f.GetInt("na")
	}
	if f.Changed("nb") {
		cfg.NB, _ = f.GetInt("nb")
	}
	if f.Changed("niter") {
		cfg.NIter, _ = f.GetInt("niter")
	}
	if f.Changed("detrend") {
		cfg.DetrendStrategy, _ = f.GetString("detrend")
	}
	if f.Changed("seed") {
		cfg.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("workers") {
		cfg.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("output") {
		cfg.OutputPath, _ = f.GetString("output")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
