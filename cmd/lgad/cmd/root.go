package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSweep/internal/config"
)

var (
	// Global flags
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "lgad",
	Short: "IV/CV characterization sweeps for LGAD sensors",
	Long: `Drive a bias source and current or impedance meters through a voltage sweep,
record every setpoint to CSV and publish the live reading to observers.

Instruments that cannot be reached are replaced by simulated ones, so every
command works without hardware attached.

Examples:
  lgad config init                      # Write a simulated default configuration
  lgad run iv                           # I-V sweep using configs/config.yaml
  lgad run cv --serve --tui             # C-V sweep with status server and monitor
  lgad instruments                      # List attached instruments
  lgad monitor --url http://lab-pc:8080 # Watch a sweep running elsewhere`,
	Version:       "0.9.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"configuration file (default $"+config.EnvConfig+" or "+config.DefaultPath+")")
}

// newLogger writes structured logs to stderr at the configured level; -v
// forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		if l, err := cfg.SlogLevel(); err == nil {
			level = l
		}
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
