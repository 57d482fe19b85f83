// Package store persists sweep results: one CSV file per setpoint plus an
// aggregate curve, and optionally a PostgreSQL archive of the curve.
package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/envsensor"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/sweep"
)

// Missing is written for environment values that were not available.
const Missing = "N/A"

// DirTimestamp is the time layout used in run directory names (MMDDhhmm).
const DirTimestamp = "01021504"

var (
	ivSampleHeader = []string{"Time(s)", "Current(A)", "Temperature(°C)", "Humidity(%RH)", "SourceCurrent(A)"}
	cvSampleHeader = []string{"Time(s)", "Current(A)", "Cp(F)", "Rp(Ohm)", "Temperature(°C)", "Humidity(%RH)"}
	ivCurveHeader  = []string{"Voltage(V)", "Current(A)"}
	cvCurveHeader  = []string{"Voltage(V)", "Capacitance(F)", "Resistance(Ohm)"}
)

// ErrNotStarted is returned when results arrive before Begin.
var ErrNotStarted = errors.New("store: recorder not started")

// CSV writes results below Root into <mode>_results_<MMDDhhmm>/.
type CSV struct {
	Root string

	dir     string
	written map[string]bool
}

// NewCSV returns a recorder rooted at root ("outputs" when empty).
func NewCSV(root string) *CSV {
	if root == "" {
		root = "outputs"
	}
	return &CSV{Root: root}
}

// Dir returns the run directory, empty before Begin.
func (c *CSV) Dir() string { return c.dir }

// Begin creates the run directory. A directory left by an earlier run in the
// same minute gets a numeric suffix instead of being overwritten.
func (c *CSV) Begin(info sweep.RunInfo) error {
	started := info.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	base := filepath.Join(c.Root, fmt.Sprintf("%s_results_%s", info.Mode, started.Format(DirTimestamp)))

	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return fmt.Errorf("create output root: %w", err)
	}
	dir := base
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create run directory: %w", err)
		}
		dir = fmt.Sprintf("%s_%d", base, n)
	}
	c.dir = dir
	c.written = make(map[string]bool)
	return nil
}

// SetpointFile returns the file name used for a setpoint voltage.
func SetpointFile(v float64) string {
	return fmt.Sprintf("results_%.2fV.csv", v)
}

// indexedSetpointFile disambiguates setpoints that round to the same name.
func indexedSetpointFile(v float64, idx int) string {
	return fmt.Sprintf("results_%.2fV_%d.csv", v, idx)
}

// CurveFile returns the aggregate file name for mode.
func CurveFile(mode sweep.Mode) string {
	if mode == sweep.ModeCV {
		return "CV_Curve.csv"
	}
	return "IV_Curve.csv"
}

// RecordSetpoint writes the time series of one setpoint.
func (c *CSV) RecordSetpoint(info sweep.RunInfo, rec sweep.SetpointRecord) error {
	if c.dir == "" {
		return ErrNotStarted
	}

	header := ivSampleHeader
	if info.Mode == sweep.ModeCV {
		header = cvSampleHeader
	}
	rows := make([][]string, 0, len(rec.Samples)+1)
	rows = append(rows, header)
	for _, s := range rec.Samples {
		temp, hum := environment(s.Environment)
		elapsed := formatFloat(s.Elapsed.Seconds())
		if info.Mode == sweep.ModeCV {
			rows = append(rows, []string{elapsed, formatFloat(s.Current),
				formatFloat(s.Capacitance), formatFloat(s.Resistance), temp, hum})
		} else {
			rows = append(rows, []string{elapsed, formatFloat(s.Current), temp, hum,
				formatFloat(s.SourceCurrent)})
		}
	}
	name := SetpointFile(rec.Voltage)
	if c.written[name] {
		name = indexedSetpointFile(rec.Voltage, rec.Index)
	}
	c.written[name] = true
	return writeCSV(filepath.Join(c.dir, name), rows)
}

// RecordCurve writes the aggregate curve. An empty curve yields a header-only
// file.
func (c *CSV) RecordCurve(info sweep.RunInfo, curve []sweep.ResultPoint) error {
	if c.dir == "" {
		return ErrNotStarted
	}

	rows := make([][]string, 0, len(curve)+1)
	if info.Mode == sweep.ModeCV {
		rows = append(rows, cvCurveHeader)
		for _, p := range curve {
			rows = append(rows, []string{formatFloat(p.Voltage), formatFloat(p.Capacitance), formatFloat(p.Resistance)})
		}
	} else {
		rows = append(rows, ivCurveHeader)
		for _, p := range curve {
			rows = append(rows, []string{formatFloat(p.Voltage), formatFloat(p.Current)})
		}
	}
	return writeCSV(filepath.Join(c.dir, CurveFile(info.Mode)), rows)
}

func environment(r envsensor.Reading) (temp, hum string) {
	if !r.Valid {
		return Missing, Missing
	}
	return formatFloat(r.Temperature), formatFloat(r.Humidity)
}

// formatFloat renders NaN as an empty field.
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeCSV(path string, rows [][]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

var _ sweep.Recorder = (*CSV)(nil)
