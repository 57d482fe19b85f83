package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSweep/internal/server"
	"github.com/OpenTraceLab/OpenTraceSweep/internal/ui"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
)

var (
	monitorURL      string
	monitorOnce     bool
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a sweep served by another lgad process",
	Long: `Poll the status server of a running sweep ("lgad run --serve") and show the
live reading in the terminal. Press s to request a stop and q to quit.

Examples:
  lgad monitor --url http://lab-pc:8080
  lgad monitor --url lab-pc:8080 --once   # print the current status and exit`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringVarP(&monitorURL, "url", "u", "http://localhost:8080",
		"status server URL")
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false,
		"print the current status once instead of starting the monitor")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", ui.DefaultInterval,
		"refresh interval")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	client, err := server.NewClient(monitorURL)
	if err != nil {
		return err
	}

	fetch := func() (status.Snapshot, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Status(ctx)
	}

	if monitorOnce {
		snap, err := fetch()
		if err != nil {
			return fmt.Errorf("fetch status: %w", err)
		}
		printSnapshot(snap)
		return nil
	}

	stop := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.RequestStop(ctx)
	}
	return ui.Run(ui.New(fetch, stop,
		ui.WithInterval(monitorInterval),
		ui.WithTitle("LGAD sweep monitor · "+monitorURL),
	))
}

func printSnapshot(s status.Snapshot) {
	fmt.Printf("Run:      %s\n", orDash(s.RunID))
	fmt.Printf("Mode:     %s\n", orDash(s.Mode))
	fmt.Printf("State:    %s\n", s.State)
	if s.SetpointCount > 0 {
		fmt.Printf("Setpoint: %d / %d\n", s.Setpoint+1, s.SetpointCount)
	}
	fmt.Printf("Voltage:  %.2f V\n", s.Voltage)
	fmt.Printf("Current:  %.4e A\n", s.Current)
	if s.HasImpedance {
		fmt.Printf("Cp:       %.4e F\n", s.Capacitance)
		fmt.Printf("Rp:       %.4e Ohm\n", s.Resistance)
	}
	if s.EnvValid {
		fmt.Printf("Env:      %.1f °C, %.1f %%RH\n", s.Temperature, s.Humidity)
	} else {
		fmt.Println("Env:      N/A")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
