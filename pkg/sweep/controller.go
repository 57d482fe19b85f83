package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/envsensor"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/suite"
)

// ErrNoImpedanceMeter is returned when a CV sweep is started on a suite
// without an LCR meter.
var ErrNoImpedanceMeter = errors.New("sweep: CV mode requires an impedance meter")

// Deps wires a controller to its collaborators. Nil fields get no-op or
// default implementations.
type Deps struct {
	Board       *status.Board
	Recorder    Recorder
	Environment envsensor.Reader
	Observer    Observer
	Clock       Clock
	Logger      *slog.Logger
	// RunID overrides the generated run identifier.
	RunID string
}

// Controller runs one sweep over an exclusively owned suite.
type Controller struct {
	cfg   Config
	suite *suite.Suite
	deps  Deps
	stop  StopSignal
	info  RunInfo
	log   *slog.Logger

	curve []ResultPoint
}

// NewController validates cfg and prepares a run. The controller takes
// ownership of s only once Run is called.
func NewController(cfg Config, s *suite.Suite, deps Deps) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s == nil || s.HV == nil || s.Meter == nil {
		return nil, fmt.Errorf("%w: suite needs an HV source and a current meter", ErrInvalidConfig)
	}

	if deps.Board == nil {
		deps.Board = status.NewBoard()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Environment == nil {
		deps.Environment = envsensor.Unavailable{}
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}

	return &Controller{
		cfg:   cfg,
		suite: s,
		deps:  deps,
		info: RunInfo{
			ID:        deps.RunID,
			Mode:      cfg.Mode,
			Config:    cfg,
			Setpoints: Setpoints(cfg.Start, cfg.Stop, cfg.Step),
		},
		log: deps.Logger.With("run", deps.RunID, "mode", string(cfg.Mode)),
	}, nil
}

// Info returns the identity of the run.
func (c *Controller) Info() RunInfo { return c.info }

// RequestStop asks the sweep to end at the next poll point.
func (c *Controller) RequestStop() { c.stop.Set() }

// Run executes the sweep to completion, cancellation or safety trip. Every
// path leaves the HV output disabled and the suite shut down. Completed
// setpoints are always persisted, including on abort. Cancellation of ctx
// is treated as a stop request.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	if ctx.Err() != nil {
		c.stop.Set()
	}
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			c.stop.Set()
		case <-finished:
		}
	}()

	c.curve = nil
	c.info.StartedAt = c.deps.Clock.Now()
	c.publish(func(s *status.Snapshot) {
		*s = status.Snapshot{
			RunID:         c.info.ID,
			Mode:          string(c.cfg.Mode),
			State:         status.StateIdle,
			SetpointCount: len(c.info.Setpoints),
			Current:       math.NaN(),
			Capacitance:   math.NaN(),
			Resistance:    math.NaN(),
		}
	})

	defer c.cleanup()

	if c.cfg.Mode == ModeCV && !c.suite.HasImpedance() {
		c.publishState(status.StateAborted)
		return Result{RunID: c.info.ID}, ErrNoImpedanceMeter
	}

	if err := c.deps.Recorder.Begin(c.info); err != nil {
		c.publishState(status.StateAborted)
		return Result{RunID: c.info.ID}, fmt.Errorf("begin recording: %w", err)
	}

	c.log.Info("sweep started", "setpoints", len(c.info.Setpoints),
		"start", c.cfg.Start, "stop", c.cfg.Stop, "step", c.cfg.Step)

	outcome, reason, err := c.sweep()

	if cerr := c.deps.Recorder.RecordCurve(c.info, c.curve); cerr != nil && err == nil {
		err = fmt.Errorf("record curve: %w", cerr)
	}

	res := Result{
		RunID:   c.info.ID,
		Outcome: outcome,
		Reason:  reason,
		Curve:   append([]ResultPoint(nil), c.curve...),
	}
	if err != nil {
		res.Reason = err.Error()
	}

	final := status.StateAborted
	if outcome == OutcomeCompleted && err == nil {
		final = status.StateComplete
	}
	c.publishState(final)
	c.deps.Observer.RunFinished(res)

	if err != nil {
		c.log.Error("sweep failed", "err", err, "completed", len(c.curve))
	} else {
		c.log.Info("sweep finished", "outcome", string(outcome), "reason", reason, "completed", len(c.curve))
	}
	return res, err
}

func (c *Controller) sweep() (Outcome, string, error) {
	hv := c.suite.HV
	for idx, v := range c.info.Setpoints {
		if c.stop.IsSet() {
			return OutcomeCancelled, "stop requested", nil
		}
		started := c.deps.Clock.Now()

		c.publish(func(s *status.Snapshot) {
			s.State = status.StateRamping
			s.Setpoint = idx
		})
		if err := hv.EnableOutput(true); err != nil {
			c.abort()
			return "", "", fmt.Errorf("enable output: %w", err)
		}

		rep, err := c.ramp(v)
		if err != nil {
			c.abort()
			return "", "", err
		}
		switch rep.Outcome {
		case RampTripped:
			c.deps.Observer.OverCurrent(rep.Voltage, rep.MeterCurrent)
			c.abort()
			return OutcomeSafetyTrip, fmt.Sprintf("over-current while ramping to %.2f V (meter %.3e A, source %.3e A)",
				v, rep.MeterCurrent, rep.SourceCurrent), nil
		case RampStopped:
			c.abort()
			return OutcomeCancelled, "stop requested while ramping", nil
		}
		if err := hv.EnableOutput(true); err != nil {
			c.abort()
			return "", "", fmt.Errorf("enable output: %w", err)
		}

		samples, outcome, reason := c.sample(idx, v)
		if outcome != "" {
			c.abort()
			return outcome, reason, nil
		}

		c.publishState(status.StateRampingDown)
		rep, err = c.ramp(0)
		if err != nil {
			c.abort()
			return "", "", err
		}
		if rep.Outcome == RampTripped {
			c.deps.Observer.OverCurrent(rep.Voltage, rep.MeterCurrent)
			c.abort()
			return OutcomeSafetyTrip, fmt.Sprintf("over-current while ramping down from %.2f V", v), nil
		}
		if err := hv.EnableOutput(false); err != nil {
			c.abort()
			return "", "", fmt.Errorf("disable output: %w", err)
		}

		point := SteadyState(v, samples, c.cfg.MeasurementDuration, c.cfg.StabilizationTime)
		c.curve = append(c.curve, point)
		rec := SetpointRecord{Index: idx, Voltage: v, Samples: samples, Point: point}
		if err := c.deps.Recorder.RecordSetpoint(c.info, rec); err != nil {
			c.abort()
			return "", "", fmt.Errorf("record setpoint %.2f V: %w", v, err)
		}
		took := c.deps.Clock.Now().Sub(started)
		c.deps.Observer.SetpointCompleted(point, took)
		c.log.Info("setpoint complete", "voltage", v, "current", point.Current, "samples", len(samples), "took", took)

		// A stop that arrived during ramp-down keeps the finished setpoint.
		if rep.Outcome == RampStopped {
			c.abort()
			return OutcomeCancelled, "stop requested while ramping down", nil
		}
	}
	return OutcomeCompleted, "", nil
}

func (c *Controller) ramp(target float64) (RampReport, error) {
	return Ramp(c.suite.HV, c.suite.Meter, target, RampParams{
		Step:       c.cfg.RampStep,
		Delay:      c.cfg.RampDelay,
		MaxCurrent: c.cfg.MaximumCurrent,
		Clock:      c.deps.Clock,
		Stop:       &c.stop,
		OnStep: func(v float64) {
			c.publish(func(s *status.Snapshot) { s.Voltage = v })
		},
	})
}

// sample runs the sampling phase of one setpoint. A non-empty outcome means
// the setpoint was abandoned.
func (c *Controller) sample(idx int, v float64) ([]Sample, Outcome, string) {
	clock := c.deps.Clock
	start := clock.Now()
	over := 0
	var samples []Sample

	c.publishState(status.StateSampling)

	for {
		tick := clock.Now()
		elapsed := tick.Sub(start)
		if elapsed >= c.cfg.MeasurementDuration {
			return samples, "", ""
		}
		if c.stop.IsSet() {
			return nil, OutcomeCancelled, fmt.Sprintf("stop requested while sampling %.2f V", v)
		}

		s := c.read(elapsed)

		if OverLimit(s.Current, c.cfg.MaximumCurrent) || OverLimit(s.SourceCurrent, SourceLimitFactor*c.cfg.MaximumCurrent) {
			over++
			c.deps.Observer.OverCurrent(v, s.Current)
			c.log.Warn("over-current reading", "voltage", v, "current", s.Current,
				"source_current", s.SourceCurrent, "consecutive", over)
			if over > OverCurrentTolerance {
				return nil, OutcomeSafetyTrip, fmt.Sprintf("%d consecutive over-current readings at %.2f V", over, v)
			}
		} else {
			over = 0
		}

		samples = append(samples, s)
		c.deps.Observer.SampleTaken(v, s)
		c.publish(func(snap *status.Snapshot) {
			snap.State = status.StateSampling
			snap.Setpoint = idx
			snap.Voltage = v
			snap.Current = s.Current
			snap.Elapsed = s.Elapsed
			snap.EnvValid = s.Environment.Valid
			snap.Temperature = s.Environment.Temperature
			snap.Humidity = s.Environment.Humidity
			snap.HasImpedance = c.cfg.Mode == ModeCV
			snap.Capacitance = s.Capacitance
			snap.Resistance = s.Resistance
		})

		if wait := c.cfg.SampleInterval - clock.Now().Sub(tick); wait > 0 {
			clock.Sleep(wait)
		}
	}
}

// read takes one reading from every instrument the mode uses. Failures
// become NaN.
func (c *Controller) read(elapsed time.Duration) Sample {
	s := Sample{
		Elapsed:       elapsed,
		SourceCurrent: math.NaN(),
		Capacitance:   math.NaN(),
		Resistance:    math.NaN(),
		Environment:   c.deps.Environment.Latest(),
	}

	i, err := c.suite.Meter.ReadCurrent()
	if err != nil {
		c.readFailed(string(suite.RoleMeter), err)
		i = math.NaN()
	}
	s.Current = i

	switch c.cfg.Mode {
	case ModeIV:
		si, err := c.suite.HV.MeasureCurrent()
		if err != nil {
			c.readFailed(string(suite.RoleHV), err)
			si = math.NaN()
		}
		s.SourceCurrent = si
	case ModeCV:
		cp, rp, err := c.suite.Impedance.FetchParallelCR()
		if err != nil {
			c.readFailed(string(suite.RoleImpedance), err)
			cp, rp = math.NaN(), math.NaN()
		}
		s.Capacitance, s.Resistance = cp, rp
	}
	return s
}

func (c *Controller) readFailed(role string, err error) {
	c.log.Debug("read failed", "role", role, "err", err)
	c.deps.Observer.ReadFailed(role, err)
}

// abort disables the output first, then programs 0 V without ramping.
func (c *Controller) abort() {
	hv := c.suite.HV
	if err := hv.EnableOutput(false); err != nil {
		c.log.Error("disable output failed", "err", err)
	}
	if err := hv.SetVoltage(0); err != nil {
		c.log.Warn("zeroing voltage failed", "err", err)
	}
}

func (c *Controller) cleanup() {
	if err := c.suite.HV.EnableOutput(false); err != nil {
		c.log.Error("disable output failed", "err", err)
	}
	if err := c.suite.Shutdown(); err != nil {
		c.log.Warn("suite shutdown reported errors", "err", err)
	}
}

func (c *Controller) publish(fn func(*status.Snapshot)) {
	c.deps.Board.Update(func(s *status.Snapshot) {
		fn(s)
		s.UpdatedAt = c.deps.Clock.Now()
	})
}

func (c *Controller) publishState(state status.State) {
	c.publish(func(s *status.Snapshot) { s.State = state })
}

// SteadyState averages the samples taken after duration-stabilization,
// ignoring NaN readings. When stabilization covers the whole duration, or
// no sample falls inside the window, every sample is used.
func SteadyState(v float64, samples []Sample, duration, stabilization time.Duration) ResultPoint {
	threshold := duration - stabilization
	window := samples
	if threshold > 0 {
		window = nil
		for _, s := range samples {
			if s.Elapsed > threshold {
				window = append(window, s)
			}
		}
		if len(window) == 0 {
			window = samples
		}
	}

	var cur, cp, rp mean
	for _, s := range window {
		cur.add(s.Current)
		cp.add(s.Capacitance)
		rp.add(s.Resistance)
	}
	return ResultPoint{
		Voltage:     v,
		Current:     cur.value(),
		Capacitance: cp.value(),
		Resistance:  rp.value(),
	}
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	if math.IsNaN(v) {
		return
	}
	m.sum += v
	m.n++
}

func (m *mean) value() float64 {
	if m.n == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.n)
}

type nopRecorder struct{}

func (nopRecorder) Begin(RunInfo) error                          { return nil }
func (nopRecorder) RecordSetpoint(RunInfo, SetpointRecord) error { return nil }
func (nopRecorder) RecordCurve(RunInfo, []ResultPoint) error     { return nil }
