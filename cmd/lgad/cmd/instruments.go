package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/instrument"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/suite"
)

var instrumentsCmd = &cobra.Command{
	Use:   "instruments",
	Short: "List attached instruments and supported types",
	Long: `Scan the host for USBTMC instruments and serial ports and print a summary of
what was found, followed by the instrument types accepted in the configuration
file. The simulator is always listed so a sweep can run without hardware.`,
	RunE: runInstruments,
}

func init() {
	rootCmd.AddCommand(instrumentsCmd)
}

func runInstruments(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := instrument.DiscoverInstruments(ctx)
	if err != nil {
		// USB enumeration can fail without libusb permissions; the serial
		// ports and the simulator are still listed.
		fmt.Printf("USB scan incomplete: %v\n", err)
	}

	fmt.Println("Detected instruments:")
	for _, c := range conns {
		if c.VendorID != 0 || c.ProductID != 0 {
			fmt.Printf("  - %s [%s] (VID:PID %04X:%04X)\n", c.Label(), c.Kind, c.VendorID, c.ProductID)
		} else {
			fmt.Printf("  - %s [%s]\n", c.Label(), c.Kind)
		}
	}

	fmt.Println()
	fmt.Println("Supported instrument types:")
	for _, role := range []suite.Role{suite.RoleHV, suite.RoleMeter, suite.RoleImpedance} {
		fmt.Printf("  %s:\n", role)
		for _, m := range suite.DefaultRegistry().Models() {
			if m.Role != role {
				continue
			}
			name := m.Name
			if len(m.Aliases) > 0 {
				name += " (" + strings.Join(m.Aliases, ", ") + ")"
			}
			fmt.Printf("    %-48s %s\n", name, m.Description)
		}
	}
	return nil
}
