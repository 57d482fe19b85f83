package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSweep/internal/config"
	"github.com/OpenTraceLab/OpenTraceSweep/internal/metrics"
	"github.com/OpenTraceLab/OpenTraceSweep/internal/server"
	"github.com/OpenTraceLab/OpenTraceSweep/internal/ui"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/envsensor"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/store"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/suite"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/sweep"
)

var (
	runOutputDir  string
	runServe      bool
	runServeAddr  string
	runTUI        bool
	runArchiveDSN string
)

var runCmd = &cobra.Command{
	Use:   "run iv|cv",
	Short: "Run an I-V or C-V sweep",
	Long: `Run a voltage sweep with the instruments named in the configuration file.

At every setpoint the bias is ramped in bounded steps, sampled for the
measurement duration and ramped back to 0 V. Results are written to
<output_dir>/<mode>_results_<MMDDhhmm>/. Ctrl-C stops the sweep safely: the
output is disabled and completed setpoints are kept.

Examples:
  # I-V sweep with the default configuration
  lgad run iv

  # C-V sweep, serving status on :8080 and showing the terminal monitor
  lgad run cv --serve --tui

  # Archive the result curve in PostgreSQL as well
  lgad run iv --archive-dsn postgres://lab@db/lgad?sslmode=disable`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(sweep.ModeIV), string(sweep.ModeCV)},
	RunE:      runSweep,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runOutputDir, "output", "o", "",
		"output directory (overrides output_dir)")
	runCmd.Flags().BoolVar(&runServe, "serve", false,
		"serve live status, stop and metrics over HTTP")
	runCmd.Flags().StringVar(&runServeAddr, "addr", "",
		"status server address (overrides server.addr)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false,
		"show the terminal monitor while the sweep runs")
	runCmd.Flags().StringVar(&runArchiveDSN, "archive-dsn", "",
		"PostgreSQL DSN for archiving the result curve (overrides archive.dsn)")
}

func parseMode(arg string) (sweep.Mode, error) {
	switch m := sweep.Mode(strings.ToLower(arg)); m {
	case sweep.ModeIV, sweep.ModeCV:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want iv or cv)", arg)
}

func runSweep(cmd *cobra.Command, args []string) error {
	mode, err := parseMode(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runOutputDir != "" {
		cfg.OutputDir = runOutputDir
	}
	if runArchiveDSN != "" {
		cfg.Archive.DSN = runArchiveDSN
	}
	if runServeAddr != "" {
		cfg.Server.Addr = runServeAddr
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s, err := suite.Build(cfg.Settings(mode),
		suite.WithLogger(logger),
		suite.WithFallbackHook(m.Fallback),
	)
	if err != nil {
		return err
	}
	printSuite(s)

	envCtx, stopEnv := context.WithCancel(ctx)
	defer stopEnv()
	env := openEnvironment(envCtx, cfg, logger)

	csvRec := store.NewCSV(cfg.OutputDir)
	var rec sweep.Recorder = csvRec
	if cfg.Archive.DSN != "" {
		archive, err := openArchive(ctx, cfg)
		if err != nil {
			logger.Warn("archive unavailable, continuing with CSV only", "err", err)
		} else {
			defer archive.Close()
			rec = store.Multi{csvRec, archive}
		}
	}

	board := status.NewBoard()
	h, err := sweep.Start(ctx, cfg.SweepConfig(mode), s, sweep.Deps{
		Board:       board,
		Recorder:    rec,
		Environment: env,
		Observer:    m,
		Logger:      logger,
	})
	if err != nil {
		if serr := s.Shutdown(); serr != nil {
			logger.Warn("suite shutdown failed", "err", serr)
		}
		return err
	}
	fmt.Printf("Run %s started (%s, %d setpoints)\n", h.RunID(), strings.ToUpper(string(mode)),
		len(sweep.Setpoints(cfg.StartVoltage, cfg.StopVoltage, cfg.StepVoltage)))

	if runServe {
		srv := server.New(board, server.WithLogger(logger), server.WithGatherer(reg))
		srv.SetStopper(h)
		srvCtx, stopSrv := context.WithCancel(context.Background())
		defer stopSrv()
		go func() {
			if err := srv.ListenAndServe(srvCtx, cfg.Server.Addr); err != nil {
				logger.Error("status server failed", "err", err)
			}
		}()
	}

	if runTUI {
		monitor := ui.New(
			func() (status.Snapshot, error) { return board.Snapshot(), nil },
			func() error { h.RequestStop(); return nil },
			ui.WithTitle("LGAD "+strings.ToUpper(string(mode))+" sweep"),
			ui.QuitWhenDone(),
		)
		if err := ui.Run(monitor); err != nil {
			logger.Warn("monitor failed", "err", err)
		}
	}

	res, err := h.Wait()
	stopEnv()
	if err != nil {
		return fmt.Errorf("sweep %s: %w", h.RunID(), err)
	}

	fmt.Printf("Sweep %s\n", res)
	if dir := csvRec.Dir(); dir != "" {
		fmt.Printf("Results written to %s\n", dir)
	}
	printCurve(mode, res.Curve)
	return nil
}

func printSuite(s *suite.Suite) {
	fmt.Println("Instruments:")
	for _, m := range s.Members {
		line := fmt.Sprintf("  - %-12s %s", m.Role, m.Model)
		if m.Info.Model != "" {
			line += fmt.Sprintf(" (%s %s)", m.Info.Vendor, m.Info.Model)
		}
		if m.FellBack {
			line += fmt.Sprintf(" [simulated, requested %s: %v]", m.Requested, m.Err)
		}
		fmt.Println(line)
	}
}

func printCurve(mode sweep.Mode, curve []sweep.ResultPoint) {
	if len(curve) == 0 {
		return
	}
	if mode == sweep.ModeCV {
		fmt.Printf("%12s %14s %14s\n", "Voltage(V)", "Cp(F)", "Rp(Ohm)")
		for _, p := range curve {
			fmt.Printf("%12.2f %14.4e %14.4e\n", p.Voltage, p.Capacitance, p.Resistance)
		}
		return
	}
	fmt.Printf("%12s %14s\n", "Voltage(V)", "Current(A)")
	for _, p := range curve {
		fmt.Printf("%12.2f %14.4e\n", p.Voltage, p.Current)
	}
}

func openEnvironment(ctx context.Context, cfg *config.Config, logger *slog.Logger) envsensor.Reader {
	if !strings.EqualFold(cfg.Environment.Sensor, "sht35") {
		return envsensor.Unavailable{}
	}
	sensor, err := envsensor.OpenSHT35(cfg.Environment.I2CBus, uint16(cfg.Environment.Address))
	if err != nil {
		logger.Warn("environment sensor unavailable", "err", err)
		return envsensor.Unavailable{}
	}
	p := envsensor.NewPoller(sensor, seconds(cfg.Environment.PollInterval), logger)
	go p.Run(ctx)
	return p
}

func openArchive(ctx context.Context, cfg *config.Config) (*store.PostgresArchive, error) {
	archive, err := store.OpenPostgres(ctx, cfg.Archive.DSN, cfg.Archive.Table)
	if err != nil {
		return nil, err
	}
	if err := archive.EnsureSchema(ctx); err != nil {
		return nil, errors.Join(err, archive.Close())
	}
	return archive, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
