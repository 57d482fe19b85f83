// Package config loads the sweep configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/instrument"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/store"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/suite"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/sweep"
)

// DefaultPath is where the configuration file is looked up.
const DefaultPath = "configs/config.yaml"

// Environment variables that override file values.
const (
	EnvConfig     = "LGAD_CONFIG"
	EnvOutputDir  = "LGAD_OUTPUT_DIR"
	EnvLogLevel   = "LGAD_LOG_LEVEL"
	EnvArchiveDSN = "LGAD_ARCHIVE_DSN"
	EnvServerAddr = "LGAD_SERVER_ADDR"
)

// Config mirrors the YAML file. Voltages are in V, times in s, the current
// limit in µA, the AC level in mV and the AC frequency in kHz.
type Config struct {
	StartVoltage        float64 `yaml:"start_voltage"`
	StopVoltage         float64 `yaml:"stop_voltage"`
	StepVoltage         float64 `yaml:"step_voltage"`
	MeasurementDuration float64 `yaml:"measurement_duration"`
	SampleInterval      float64 `yaml:"sample_interval"`
	StabilizationTime   float64 `yaml:"stabilization_time"`
	MaximumCurrent      float64 `yaml:"maximum_current"`
	ACVoltage           float64 `yaml:"ac_voltage"`
	ACFrequency         float64 `yaml:"ac_frequency"`

	RampStep  float64 `yaml:"ramp_step"`
	RampDelay float64 `yaml:"ramp_delay"`

	OutputDir string `yaml:"output_dir"`
	LogLevel  string `yaml:"log_level"`

	Instruments InstrumentsConfig `yaml:"instruments"`
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

type InstrumentsConfig struct {
	HVSource    string             `yaml:"hv_source"`
	Picoammeter string             `yaml:"picoammeter"`
	LCRMeter    string             `yaml:"lcr_meter"`
	HVOptions   instrument.Options `yaml:"hv_options,omitempty"`
	PicoOptions instrument.Options `yaml:"pico_options,omitempty"`
	LCROptions  instrument.Options `yaml:"lcr_options,omitempty"`
}

type EnvironmentConfig struct {
	// Sensor is "sht35" or "none".
	Sensor       string  `yaml:"sensor"`
	I2CBus       string  `yaml:"i2c_bus"`
	Address      int     `yaml:"address"`
	PollInterval float64 `yaml:"poll_interval"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type ArchiveConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// Default returns the configuration written by "lgad config init": a short
// all-simulated sweep.
func Default() *Config {
	c := &Config{
		StartVoltage:        0,
		StopVoltage:         -100,
		StepVoltage:         10,
		MeasurementDuration: 10,
		SampleInterval:      0.5,
		StabilizationTime:   5,
		MaximumCurrent:      10,
		ACVoltage:           500,
		ACFrequency:         10,
		Instruments: InstrumentsConfig{
			HVSource:    "virtual",
			Picoammeter: "virtual",
			LCRMeter:    "virtual",
		},
	}
	c.applyDefaults()
	return c
}

// Path returns explicit, else $LGAD_CONFIG, else DefaultPath.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path, applies .env and LGAD_* overrides and defaults, then
// validates the result.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes c as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, raw, 0o644)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvOutputDir); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvArchiveDSN); v != "" {
		c.Archive.DSN = v
	}
	if v := os.Getenv(EnvServerAddr); v != "" {
		c.Server.Addr = v
	}
}

func (c *Config) applyDefaults() {
	if c.RampStep == 0 {
		c.RampStep = sweep.DefaultRampStep
	}
	if c.RampDelay == 0 {
		c.RampDelay = sweep.DefaultRampDelay.Seconds()
	}
	if c.OutputDir == "" {
		c.OutputDir = "outputs"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Instruments.HVSource == "" {
		c.Instruments.HVSource = "virtual"
	}
	if c.Instruments.Picoammeter == "" {
		c.Instruments.Picoammeter = "virtual"
	}
	if c.Environment.Sensor == "" {
		c.Environment.Sensor = "none"
	}
	if c.Environment.Address == 0 {
		c.Environment.Address = 0x44
	}
	if c.Environment.PollInterval == 0 {
		c.Environment.PollInterval = 2
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Archive.Table == "" {
		c.Archive.Table = store.DefaultTable
	}
}

func (c *Config) validate() error {
	if c.StepVoltage == 0 {
		return fmt.Errorf("step_voltage must be non-zero")
	}
	if c.MeasurementDuration <= 0 {
		return fmt.Errorf("measurement_duration must be positive")
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be positive")
	}
	if c.StabilizationTime < 0 || c.StabilizationTime > c.MeasurementDuration {
		return fmt.Errorf("stabilization_time must lie between 0 and measurement_duration")
	}
	if c.MaximumCurrent <= 0 {
		return fmt.Errorf("maximum_current must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Environment.Sensor) {
	case "none", "sht35":
	default:
		return fmt.Errorf("environment.sensor: unknown sensor %q", c.Environment.Sensor)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// SweepConfig converts the file units into a sweep configuration for mode.
func (c *Config) SweepConfig(mode sweep.Mode) sweep.Config {
	return sweep.Config{
		Mode:                mode,
		Start:               c.StartVoltage,
		Stop:                c.StopVoltage,
		Step:                c.StepVoltage,
		MeasurementDuration: seconds(c.MeasurementDuration),
		SampleInterval:      seconds(c.SampleInterval),
		StabilizationTime:   seconds(c.StabilizationTime),
		MaximumCurrent:      c.MaximumCurrent * 1e-6,
		ACVoltage:           c.ACVoltage * 1e-3,
		ACFrequency:         c.ACFrequency * 1e3,
		RampStep:            c.RampStep,
		RampDelay:           seconds(c.RampDelay),
	}
}

// Settings returns the suite selection for mode. The AC excitation is
// passed to the LCR meter in instrument units (V, Hz) unless its options
// already carry it. IV runs never build an LCR meter.
func (c *Config) Settings(mode sweep.Mode) suite.Settings {
	s := suite.Settings{
		HVSource:     c.Instruments.HVSource,
		CurrentMeter: c.Instruments.Picoammeter,
		HVOptions:    c.Instruments.HVOptions,
		MeterOptions: c.Instruments.PicoOptions,
	}
	if mode != sweep.ModeCV {
		return s
	}
	s.ImpedanceMeter = c.Instruments.LCRMeter
	s.ImpedanceOptions = instrument.Options{
		"ac_voltage":   c.ACVoltage * 1e-3,
		"ac_frequency": c.ACFrequency * 1e3,
	}.Merge(c.Instruments.LCROptions)
	return s
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
