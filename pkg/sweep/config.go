package sweep

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Mode selects what is measured at each setpoint.
type Mode string

const (
	ModeIV Mode = "iv"
	ModeCV Mode = "cv"
)

// Ramp defaults
const (
	DefaultRampStep  = 30.0 // V
	DefaultRampDelay = 50 * time.Millisecond

	// Source-side trip threshold as a multiple of MaximumCurrent.
	SourceLimitFactor = 3

	// Consecutive over-limit sampling ticks tolerated before aborting.
	OverCurrentTolerance = 3
)

// Config is the immutable description of one sweep.
type Config struct {
	Mode Mode

	Start float64 // V
	Stop  float64 // V
	// Step is the setpoint spacing; only its magnitude is used, the
	// direction follows Start and Stop.
	Step float64

	MeasurementDuration time.Duration
	SampleInterval      time.Duration
	// Samples taken after MeasurementDuration-StabilizationTime form the
	// steady-state average.
	StabilizationTime time.Duration

	MaximumCurrent float64 // A

	ACVoltage   float64 // V rms, CV only
	ACFrequency float64 // Hz, CV only

	RampStep  float64 // V
	RampDelay time.Duration
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("sweep: invalid config")

// WithDefaults fills unset ramp parameters and the mode.
func (c Config) WithDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeIV
	}
	if c.RampStep == 0 {
		c.RampStep = DefaultRampStep
	}
	if c.RampDelay == 0 {
		c.RampDelay = DefaultRampDelay
	}
	return c
}

// Validate checks the invariants the controller relies on.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.Mode {
	case ModeIV, ModeCV:
	default:
		return bad("unknown mode %q", c.Mode)
	}
	for name, v := range map[string]float64{"start": c.Start, "stop": c.Stop, "step": c.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return bad("%s voltage must be finite", name)
		}
	}
	if c.Step == 0 {
		return bad("step voltage must be non-zero")
	}
	if c.MeasurementDuration <= 0 {
		return bad("measurement duration must be positive")
	}
	if c.SampleInterval <= 0 {
		return bad("sample interval must be positive")
	}
	if c.StabilizationTime < 0 || c.StabilizationTime > c.MeasurementDuration {
		return bad("stabilization time must lie within the measurement duration")
	}
	if !(c.MaximumCurrent > 0) {
		return bad("maximum current must be positive")
	}
	if c.RampStep <= 0 {
		return bad("ramp step must be positive")
	}
	if c.RampDelay < 0 {
		return bad("ramp delay must not be negative")
	}
	return nil
}

// Setpoints returns the ordered bias voltages of the sweep:
// n = ceil(|stop-start|/|step|) intervals, values start + i*step toward stop,
// with the last one clamped to stop so the sweep never overshoots.
func Setpoints(start, stop, step float64) []float64 {
	step = math.Abs(step)
	if step == 0 {
		return nil
	}
	span := stop - start
	if span == 0 {
		return []float64{start}
	}

	dir := 1.0
	if span < 0 {
		dir = -1
	}
	// Tolerate representation error so 0..2 step 1 is three points, not four.
	n := int(math.Ceil(math.Abs(span)/step - 1e-9))

	out := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		v := start + float64(i)*dir*step
		if (dir > 0 && v > stop) || (dir < 0 && v < stop) || i == n {
			v = stop
		}
		out = append(out, v)
	}
	return out
}
