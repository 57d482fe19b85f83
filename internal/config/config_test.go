package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/sweep"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimal = `
start_voltage: 0
stop_voltage: -200
step_voltage: 20
measurement_duration: 10
sample_interval: 0.5
stabilization_time: 4
maximum_current: 15
ac_voltage: 100
ac_frequency: 1
instruments:
  hv_source: keithley_2470
  picoammeter: keithley_6485
  lcr_meter: keysight_e4980a
  hv_options:
    current_limit: 0.0001
  lcr_options:
    vid: 0x0957
    pid: "0x0909"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.RampStep != sweep.DefaultRampStep {
		t.Fatalf("expected ramp_step default %v, got %v", sweep.DefaultRampStep, cfg.RampStep)
	}
	if cfg.OutputDir != "outputs" {
		t.Fatalf("expected default output dir outputs, got %s", cfg.OutputDir)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %s", cfg.LogLevel)
	}
	if cfg.Environment.Sensor != "none" || cfg.Environment.Address != 0x44 {
		t.Fatalf("unexpected environment defaults %+v", cfg.Environment)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default server addr :8080, got %s", cfg.Server.Addr)
	}
}

func TestSweepConfigConvertsUnits(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatal(err)
	}

	sc := cfg.SweepConfig(sweep.ModeCV)
	if math.Abs(sc.MaximumCurrent-15e-6) > 1e-15 {
		t.Errorf("MaximumCurrent = %v, want 15e-6", sc.MaximumCurrent)
	}
	if sc.ACVoltage != 0.1 || sc.ACFrequency != 1000 {
		t.Errorf("AC = %v V, %v Hz; want 0.1 V, 1000 Hz", sc.ACVoltage, sc.ACFrequency)
	}
	if sc.SampleInterval != 500*time.Millisecond || sc.StabilizationTime != 4*time.Second {
		t.Errorf("times = %v, %v", sc.SampleInterval, sc.StabilizationTime)
	}
	if sc.RampDelay != sweep.DefaultRampDelay {
		t.Errorf("RampDelay = %v, want %v", sc.RampDelay, sweep.DefaultRampDelay)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("converted config invalid: %v", err)
	}
}

func TestSettings(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatal(err)
	}

	iv := cfg.Settings(sweep.ModeIV)
	if iv.HVSource != "keithley_2470" || iv.CurrentMeter != "keithley_6485" {
		t.Errorf("IV settings = %+v", iv)
	}
	if iv.ImpedanceMeter != "" {
		t.Errorf("IV run selects LCR meter %q", iv.ImpedanceMeter)
	}
	if got := iv.HVOptions.Float("current_limit", 0); got != 1e-4 {
		t.Errorf("current_limit = %v", got)
	}

	cv := cfg.Settings(sweep.ModeCV)
	if cv.ImpedanceMeter != "keysight_e4980a" {
		t.Errorf("CV LCR = %q", cv.ImpedanceMeter)
	}
	if got := cv.ImpedanceOptions.Float("ac_voltage", 0); got != 0.1 {
		t.Errorf("ac_voltage option = %v, want 0.1", got)
	}
	if got := cv.ImpedanceOptions.Int("pid", 0); got != 0x0909 {
		t.Errorf("pid option = %#x, want 0x909", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvOutputDir, "/data/runs")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvArchiveDSN, "postgres://lab@db/lgad")

	cfg, err := Load(writeConfig(t, minimal+"output_dir: local\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputDir != "/data/runs" || cfg.LogLevel != "debug" || cfg.Archive.DSN != "postgres://lab@db/lgad" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"zero step", "step_voltage: 0\nmeasurement_duration: 1\nsample_interval: 1\nmaximum_current: 1\n"},
		{"no duration", "step_voltage: 1\nsample_interval: 1\nmaximum_current: 1\n"},
		{"stabilization too long", "step_voltage: 1\nmeasurement_duration: 1\nstabilization_time: 2\nsample_interval: 1\nmaximum_current: 1\n"},
		{"bad log level", "step_voltage: 1\nmeasurement_duration: 1\nsample_interval: 1\nmaximum_current: 1\nlog_level: loud\n"},
		{"unknown sensor", "step_voltage: 1\nmeasurement_duration: 1\nsample_interval: 1\nmaximum_current: 1\nenvironment:\n  sensor: bme280\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	want := Default()
	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.StopVoltage != want.StopVoltage || got.Instruments.LCRMeter != want.Instruments.LCRMeter {
		t.Errorf("reloaded config differs: %+v", got)
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfig, "")
	if Path("") != DefaultPath {
		t.Errorf("Path() = %q", Path(""))
	}
	t.Setenv(EnvConfig, "/etc/lgad.yaml")
	if Path("") != "/etc/lgad.yaml" || Path("x.yaml") != "x.yaml" {
		t.Error("Path precedence wrong")
	}
}
