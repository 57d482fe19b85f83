package sweep

import (
	"fmt"
	"math"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/instrument"
)

// RampOutcome says how a ramp ended.
type RampOutcome int

const (
	RampReached RampOutcome = iota
	RampTripped
	RampStopped
)

func (o RampOutcome) String() string {
	switch o {
	case RampReached:
		return "reached"
	case RampTripped:
		return "tripped"
	case RampStopped:
		return "stopped"
	}
	return fmt.Sprintf("RampOutcome(%d)", int(o))
}

// rampTolerance is the distance below which a source counts as already at
// its target.
const rampTolerance = 1e-3

// RampParams controls a bounded-step voltage ramp.
type RampParams struct {
	Step       float64       // V per increment
	Delay      time.Duration // settle time after each increment
	MaxCurrent float64       // meter limit; the source limit is SourceLimitFactor times this
	Clock      Clock
	Stop       *StopSignal
	// OnStep, when set, sees every programmed voltage.
	OnStep func(v float64)
}

// RampReport describes a finished ramp.
type RampReport struct {
	Outcome RampOutcome
	Steps   int
	// Voltage is the last level programmed (the start level if none).
	Voltage float64
	// MeterCurrent and SourceCurrent are the readings that caused a trip.
	MeterCurrent  float64
	SourceCurrent float64
}

// OverLimit reports whether |value| exceeds limit. NaN never does.
func OverLimit(value, limit float64) bool {
	if math.IsNaN(value) {
		return false
	}
	return math.Abs(value) > limit
}

// Ramp moves src to target in increments of at most p.Step. After every
// increment it settles for p.Delay and checks both currents; on a breach it
// switches the output off and reports RampTripped. A raised stop signal
// ends the ramp before the next increment. A source already within 1 mV of
// target is left alone.
func Ramp(src instrument.HVSource, meter instrument.CurrentMeter, target float64, p RampParams) (RampReport, error) {
	if p.Clock == nil {
		p.Clock = RealClock
	}
	step := math.Abs(p.Step)
	if step == 0 {
		step = DefaultRampStep
	}

	current, err := src.Voltage()
	if err != nil || math.IsNaN(current) {
		current = 0
	}
	report := RampReport{Outcome: RampReached, Voltage: current}

	if math.Abs(current-target) < rampTolerance {
		return report, nil
	}

	dir := 1.0
	if target < current {
		dir = -1
	}

	v := current
	for v != target {
		if p.Stop != nil && p.Stop.IsSet() {
			report.Outcome = RampStopped
			return report, nil
		}

		next := v + dir*step
		if (dir > 0 && next >= target) || (dir < 0 && next <= target) {
			next = target
		}
		if err := src.SetVoltage(next); err != nil {
			return report, fmt.Errorf("set voltage %.3f V: %w", next, err)
		}
		v = next
		report.Steps++
		report.Voltage = v
		if p.OnStep != nil {
			p.OnStep(v)
		}
		p.Clock.Sleep(p.Delay)

		srcI, _ := src.MeasureCurrent()
		meterI, _ := meter.ReadCurrent()
		if OverLimit(meterI, p.MaxCurrent) || OverLimit(srcI, SourceLimitFactor*p.MaxCurrent) {
			report.Outcome = RampTripped
			report.MeterCurrent = meterI
			report.SourceCurrent = srcI
			if err := src.EnableOutput(false); err != nil {
				return report, fmt.Errorf("disable output after trip: %w", err)
			}
			return report, nil
		}
	}

	return report, nil
}
