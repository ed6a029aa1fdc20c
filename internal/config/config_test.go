package config

import (
	"path/filepath"
	"testing"
)

func validRun() *Run {
	return &Run{
		Mode:            ModeEvaluation,
		TargetFile:      "tas.nc",
		TargetVar:       "tas",
		CirculationFile: "psl.nc",
		CirculationVar:  "psl",
		Region:          "global",
		NA:              29,
		NB:              20,
		NIter:           30,
		DetrendStrategy: "cubic",
		MonthOffset:     6,
		OutputPath:      "out.nc",
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validRun().Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Run)
		param  string
	}{
		{"bad mode", func(c *Run) { c.Mode = "replay" }, "mode"},
		{"missing input file", func(c *Run) { c.TargetFile = "" }, "target_file/circulation_file"},
		{"missing variable", func(c *Run) { c.CirculationVar = "" }, "target_var/circulation_var"},
		{"unknown strategy", func(c *Run) { c.DetrendStrategy = "loess" }, "detrend_strategy"},
		{"unknown region", func(c *Run) { c.Region = "atlantis" }, "region"},
		{"inverted window", func(c *Run) { c.StartYear, c.EndYear = 1990, 1980 }, "end_year"},
		{"no subsample", func(c *Run) { c.NB = 0 }, "n_subsample"},
		{"subsample too large", func(c *Run) { c.NB = c.NA }, "n_subsample"},
		{"no iterations", func(c *Run) { c.NIter = 0 }, "n_iterations"},
		{"bad month offset", func(c *Run) { c.MonthOffset = 12 }, "month_offset"},
		{"no output", func(c *Run) { c.OutputPath = "" }, "output_path"},
	}
	for _, test := range tests {
		c := validRun()
		test.mutate(c)
		err := c.Validate()
		if err == nil {
			t.Errorf("%s: Validate() = nil, want error", test.name)
			continue
		}
		ve, ok := err.(*ValidationError)
		if !ok {
			t.Errorf("%s: error type %T, want *ValidationError", test.name, err)
			continue
		}
		if ve.Param != test.param {
			t.Errorf("%s: Param = %q, want %q", test.name, ve.Param, test.param)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if c.Mode != ModeEvaluation {
		t.Errorf("default mode = %q, want %q", c.Mode, ModeEvaluation)
	}
	if c.TargetVar != "tas" || c.CirculationVar != "psl" {
		t.Errorf("default variables = %q, %q, want tas, psl", c.TargetVar, c.CirculationVar)
	}
	if c.NIter != 30 {
		t.Errorf("default n_iterations = %d, want 30", c.NIter)
	}
	if c.DetrendStrategy != "cubic" {
		t.Errorf("default detrend_strategy = %q, want cubic", c.DetrendStrategy)
	}
	if c.Region != "global" {
		t.Errorf("default region = %q, want global", c.Region)
	}
	if !c.AnomalyTarget || !c.AnomalyCirculation {
		t.Error("anomaly computation should default to on for both fields")
	}
	if c.MonthOffset != 6 {
		t.Errorf("default month_offset = %d, want 6", c.MonthOffset)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	c := validRun()
	c.Seed = 991
	c.Knots = 5
	if err := Save(c, path); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if *got != *c {
		t.Errorf("round-tripped config = %+v, want %+v", got, c)
	}
}
