package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/instrument"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/suite"
)

// fakeClock advances only when slept on.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memRecorder struct {
	begun     int
	setpoints []SetpointRecord
	curves    [][]ResultPoint
}

func (r *memRecorder) Begin(RunInfo) error { r.begun++; return nil }

func (r *memRecorder) RecordSetpoint(_ RunInfo, rec SetpointRecord) error {
	r.setpoints = append(r.setpoints, rec)
	return nil
}

func (r *memRecorder) RecordCurve(_ RunInfo, curve []ResultPoint) error {
	r.curves = append(r.curves, curve)
	return nil
}

type funcObserver struct {
	NopObserver
	onSample  func(v float64, s Sample)
	readFails int
	overs     int
	finished  []Result
}

func (o *funcObserver) SampleTaken(v float64, s Sample) {
	if o.onSample != nil {
		o.onSample(v, s)
	}
}

func (o *funcObserver) ReadFailed(string, error)     { o.readFails++ }
func (o *funcObserver) OverCurrent(float64, float64) { o.overs++ }
func (o *funcObserver) RunFinished(r Result)         { o.finished = append(o.finished, r) }

// scriptedMeter returns readings from a function of the call count.
type scriptedMeter struct {
	calls int
	read  func(n int) (float64, error)
}

func (m *scriptedMeter) Connect() error  { return nil }
func (m *scriptedMeter) Shutdown() error { return nil }
func (m *scriptedMeter) ReadCurrent() (float64, error) {
	n := m.calls
	m.calls++
	return m.read(n)
}

// countingHV counts programmed levels on top of a simulated source.
type countingHV struct {
	*instrument.SimHVSource
	levels []float64
}

func (h *countingHV) SetVoltage(v float64) error {
	h.levels = append(h.levels, v)
	return h.SimHVSource.SetVoltage(v)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func quietSource() *instrument.SimHVSource {
	return instrument.NewSimHVSource(instrument.Options{"noise": 0.0})
}

func baseConfig() Config {
	return Config{
		Mode:                ModeIV,
		Start:               0,
		Stop:                2,
		Step:                1,
		MeasurementDuration: time.Second,
		SampleInterval:      250 * time.Millisecond,
		StabilizationTime:   500 * time.Millisecond,
		MaximumCurrent:      1000e-6,
	}
}

func TestSetpoints(t *testing.T) {
	tests := []struct {
		name              string
		start, stop, step float64
		want              []float64
	}{
		{"ascending", 0, 2, 1, []float64{0, 1, 2}},
		{"clamped", 0, 10, 3, []float64{0, 3, 6, 9, 10}},
		{"descending", 0, -10, 3, []float64{0, -3, -6, -9, -10}},
		{"step sign ignored", 0, -4, -2, []float64{0, -2, -4}},
		{"single", 5, 5, 1, []float64{5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Setpoints(tt.start, tt.stop, tt.step)
			if len(got) != len(tt.want) {
				t.Fatalf("Setpoints = %v, want %v", got, tt.want)
			}
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-9 {
					t.Errorf("Setpoints[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSetpointsFractionalStep(t *testing.T) {
	got := Setpoints(0, 1, 0.1)
	if len(got) != 11 {
		t.Fatalf("len = %d, want 11", len(got))
	}
	if got[len(got)-1] != 1 {
		t.Errorf("last = %v, want exactly 1", got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("not increasing at %d: %v", i, got)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := baseConfig().WithDefaults().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero step", func(c *Config) { c.Step = 0 }},
		{"bad mode", func(c *Config) { c.Mode = "xy" }},
		{"no duration", func(c *Config) { c.MeasurementDuration = 0 }},
		{"no interval", func(c *Config) { c.SampleInterval = 0 }},
		{"stabilization too long", func(c *Config) { c.StabilizationTime = 2 * time.Second }},
		{"no current limit", func(c *Config) { c.MaximumCurrent = 0 }},
		{"nan start", func(c *Config) { c.Start = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig().WithDefaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestRampBoundedSteps(t *testing.T) {
	hv := &countingHV{SimHVSource: quietSource()}
	meter := instrument.NewSimCurrentMeter(hv, instrument.Options{"noise": 0.0})

	var seen []float64
	rep, err := Ramp(hv, meter, 100, RampParams{
		Step: 30, MaxCurrent: 1e-3, Clock: newFakeClock(),
		OnStep: func(v float64) { seen = append(seen, v) },
	})
	if err != nil {
		t.Fatalf("Ramp: %v", err)
	}
	if rep.Outcome != RampReached || rep.Steps != 4 {
		t.Fatalf("report = %+v, want reached in 4 steps", rep)
	}
	want := []float64{30, 60, 90, 100}
	for i, v := range want {
		if seen[i] != v {
			t.Errorf("step %d = %v, want %v", i, seen[i], v)
		}
	}
	prev := 0.0
	for _, v := range hv.levels {
		if math.Abs(v-prev) > 30 {
			t.Errorf("increment %v -> %v exceeds ramp step", prev, v)
		}
		prev = v
	}
}

func TestRampAlreadyAtTarget(t *testing.T) {
	hv := &countingHV{SimHVSource: quietSource()}
	_ = hv.SimHVSource.SetVoltage(50.0004)
	meter := instrument.NewSimCurrentMeter(hv, nil)

	rep, err := Ramp(hv, meter, 50, RampParams{Step: 30, MaxCurrent: 1e-3, Clock: newFakeClock()})
	if err != nil {
		t.Fatalf("Ramp: %v", err)
	}
	if rep.Steps != 0 || len(hv.levels) != 0 {
		t.Errorf("ramp issued %d commands, want none", len(hv.levels))
	}
}

func TestRampTripsAndDisablesOutput(t *testing.T) {
	hv := &countingHV{SimHVSource: quietSource()}
	_ = hv.EnableOutput(true)
	meter := &scriptedMeter{read: func(int) (float64, error) { return 1, nil }}

	rep, err := Ramp(hv, meter, 100, RampParams{Step: 30, MaxCurrent: 1e-3, Clock: newFakeClock()})
	if err != nil {
		t.Fatalf("Ramp: %v", err)
	}
	if rep.Outcome != RampTripped || rep.Steps != 1 {
		t.Errorf("report = %+v, want trip after first step", rep)
	}
	if hv.OutputEnabled() {
		t.Error("output still enabled after trip")
	}
}

func TestRampIgnoresFailedReads(t *testing.T) {
	hv := &countingHV{SimHVSource: quietSource()}
	meter := &scriptedMeter{read: func(int) (float64, error) {
		return math.NaN(), instrument.ErrTransientRead
	}}
	rep, err := Ramp(hv, meter, 60, RampParams{Step: 30, MaxCurrent: 1e-3, Clock: newFakeClock()})
	if err != nil || rep.Outcome != RampReached {
		t.Errorf("Ramp = %+v, %v; want reached", rep, err)
	}
}

func TestRampStopsBeforeIncrement(t *testing.T) {
	hv := &countingHV{SimHVSource: quietSource()}
	meter := instrument.NewSimCurrentMeter(hv, nil)
	var stop StopSignal
	stop.Set()

	rep, _ := Ramp(hv, meter, 100, RampParams{Step: 30, MaxCurrent: 1e-3, Clock: newFakeClock(), Stop: &stop})
	if rep.Outcome != RampStopped || len(hv.levels) != 0 {
		t.Errorf("report = %+v, levels = %v; want stopped with no commands", rep, hv.levels)
	}
}

func TestSteadyState(t *testing.T) {
	samples := []Sample{
		{Elapsed: 0, Current: 1},
		{Elapsed: 250 * time.Millisecond, Current: 2},
		{Elapsed: 500 * time.Millisecond, Current: 3},
		{Elapsed: 750 * time.Millisecond, Current: 5},
	}

	tests := []struct {
		name string
		stab time.Duration
		want float64
	}{
		{"last sample only", 500 * time.Millisecond, 5},
		{"two samples", 600 * time.Millisecond, 4},
		{"empty window uses all", 0, 2.75},
		{"stabilization spans whole duration", time.Second, 2.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := SteadyState(3, samples, time.Second, tt.stab)
			if math.Abs(p.Current-tt.want) > 1e-12 {
				t.Errorf("Current = %v, want %v", p.Current, tt.want)
			}
			if p.Voltage != 3 {
				t.Errorf("Voltage = %v, want 3", p.Voltage)
			}
		})
	}
}

func TestSteadyStateSkipsNaN(t *testing.T) {
	samples := []Sample{
		{Elapsed: 600 * time.Millisecond, Current: math.NaN(), Capacitance: 1e-12, Resistance: math.NaN()},
		{Elapsed: 800 * time.Millisecond, Current: 4, Capacitance: 3e-12, Resistance: math.NaN()},
	}
	p := SteadyState(1, samples, time.Second, 500*time.Millisecond)
	if p.Current != 4 {
		t.Errorf("Current = %v, want 4", p.Current)
	}
	if math.Abs(p.Capacitance-2e-12) > 1e-24 {
		t.Errorf("Capacitance = %v, want 2e-12", p.Capacitance)
	}
	if !math.IsNaN(p.Resistance) {
		t.Errorf("Resistance = %v, want NaN", p.Resistance)
	}
}

func simulatedSuite() (*suite.Suite, *instrument.SimHVSource) {
	hv := quietSource()
	meter := instrument.NewSimCurrentMeter(hv, instrument.Options{"noise": 0.0})
	return suite.Assemble(hv, meter, nil), hv
}

func TestRunCompletesIV(t *testing.T) {
	s, hv := simulatedSuite()
	rec := &memRecorder{}
	perVoltage := map[float64]int{}
	obs := &funcObserver{onSample: func(v float64, _ Sample) { perVoltage[v]++ }}
	board := status.NewBoard()

	ctrl, err := NewController(baseConfig(), s, Deps{
		Board: board, Recorder: rec, Observer: obs, Clock: newFakeClock(), Logger: quiet(), RunID: "run-1",
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	res, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Outcome != OutcomeCompleted || res.RunID != "run-1" {
		t.Errorf("result = %v", res)
	}
	if len(res.Curve) != 3 {
		t.Fatalf("curve has %d points, want 3", len(res.Curve))
	}
	for _, v := range []float64{0, 1, 2} {
		if perVoltage[v] != 4 {
			t.Errorf("%v V: %d samples, want 4", v, perVoltage[v])
		}
	}
	for i := 1; i < len(res.Curve); i++ {
		if res.Curve[i].Current < res.Curve[i-1].Current {
			t.Errorf("current decreased between %v and %v V", res.Curve[i-1].Voltage, res.Curve[i].Voltage)
		}
	}
	if got := res.Curve[2].Current; math.Abs(got-2e-7) > 1e-15 {
		t.Errorf("current at 2 V = %v, want 2e-7", got)
	}

	if rec.begun != 1 || len(rec.setpoints) != 3 || len(rec.curves) != 1 {
		t.Errorf("recorder saw begin=%d setpoints=%d curves=%d", rec.begun, len(rec.setpoints), len(rec.curves))
	}
	if hv.OutputEnabled() {
		t.Error("output enabled after run")
	}
	if v, _ := hv.Voltage(); v != 0 {
		t.Errorf("voltage after run = %v, want 0", v)
	}
	if st := board.Snapshot().State; st != status.StateComplete {
		t.Errorf("board state = %s, want complete", st)
	}
	if len(obs.finished) != 1 {
		t.Errorf("RunFinished called %d times", len(obs.finished))
	}
}

func TestRunFullStabilizationAveragesEverySample(t *testing.T) {
	hv := quietSource()
	// Distinct, increasing readings so dropping any sample changes the mean.
	meter := &scriptedMeter{read: func(n int) (float64, error) { return float64(n+1) * 1e-9, nil }}
	s := suite.Assemble(hv, meter, nil)
	rec := &memRecorder{}

	cfg := baseConfig()
	cfg.StabilizationTime = cfg.MeasurementDuration
	ctrl, err := NewController(cfg, s, Deps{Recorder: rec, Clock: newFakeClock(), Logger: quiet()})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	res, err := ctrl.Run(context.Background())
	if err != nil || res.Outcome != OutcomeCompleted {
		t.Fatalf("Run = %v, %v", res, err)
	}

	if len(rec.setpoints) != 3 {
		t.Fatalf("recorded %d setpoints, want 3", len(rec.setpoints))
	}
	for i, sp := range rec.setpoints {
		if len(sp.Samples) != 4 {
			t.Fatalf("setpoint %d has %d samples, want 4", i, len(sp.Samples))
		}
		if sp.Samples[0].Elapsed != 0 {
			t.Errorf("setpoint %d first sample at %v, want 0", i, sp.Samples[0].Elapsed)
		}
		var sum float64
		for _, smp := range sp.Samples {
			sum += smp.Current
		}
		want := sum / 4
		if math.Abs(res.Curve[i].Current-want) > 1e-18 {
			t.Errorf("setpoint %d current = %v, want mean of all samples %v", i, res.Curve[i].Current, want)
		}
	}
}

func TestRunCancelKeepsCompletedSetpoints(t *testing.T) {
	s, hv := simulatedSuite()
	rec := &memRecorder{}
	obs := &funcObserver{}

	ctrl, err := NewController(baseConfig(), s, Deps{
		Recorder: rec, Observer: obs, Clock: newFakeClock(), Logger: quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}
	obs.onSample = func(v float64, _ Sample) {
		if v == 1 {
			ctrl.RequestStop()
		}
	}

	res, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", res.Outcome)
	}
	if len(rec.curves) != 1 || len(rec.curves[0]) != 1 || rec.curves[0][0].Voltage != 0 {
		t.Errorf("persisted curves = %v, want one row at 0 V", rec.curves)
	}
	if hv.OutputEnabled() {
		t.Error("output enabled after cancel")
	}
}

func TestRunPersistentOverCurrentTrips(t *testing.T) {
	hv := quietSource()
	meter := &scriptedMeter{read: func(int) (float64, error) { return 5e-3, nil }}
	s := suite.Assemble(hv, meter, nil)
	rec := &memRecorder{}
	obs := &funcObserver{}

	cfg := baseConfig()
	cfg.MeasurementDuration = 2 * time.Second
	ctrl, err := NewController(cfg, s, Deps{Recorder: rec, Observer: obs, Clock: newFakeClock(), Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeSafetyTrip {
		t.Errorf("outcome = %s, want safety_trip", res.Outcome)
	}
	if obs.overs != OverCurrentTolerance+1 {
		t.Errorf("over-current events = %d, want %d", obs.overs, OverCurrentTolerance+1)
	}
	if hv.OutputEnabled() {
		t.Error("output enabled after trip")
	}
	if len(rec.curves) != 1 || len(rec.curves[0]) != 0 {
		t.Errorf("curve = %v, want persisted and empty", rec.curves)
	}
}

func TestRunToleratesShortOverCurrentBursts(t *testing.T) {
	hv := quietSource()
	// Three bad readings, then one good one, repeating.
	meter := &scriptedMeter{read: func(n int) (float64, error) {
		if n%4 == 3 {
			return 1e-9, nil
		}
		return 5e-3, nil
	}}
	s := suite.Assemble(hv, meter, nil)

	cfg := baseConfig()
	cfg.Stop = 0
	cfg.MeasurementDuration = 3 * time.Second
	ctrl, err := NewController(cfg, s, Deps{Clock: newFakeClock(), Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ctrl.Run(context.Background())
	if err != nil || res.Outcome != OutcomeCompleted {
		t.Errorf("Run = %v, %v; want completed", res, err)
	}
}

func TestRunTransientReadsBecomeNaN(t *testing.T) {
	hv := quietSource()
	meter := &scriptedMeter{read: func(n int) (float64, error) {
		if n%2 == 0 {
			return math.NaN(), instrument.ErrTransientRead
		}
		return 3e-9, nil
	}}
	s := suite.Assemble(hv, meter, nil)
	obs := &funcObserver{}
	rec := &memRecorder{}

	cfg := baseConfig()
	cfg.Stop = 0
	cfg.StabilizationTime = cfg.MeasurementDuration
	ctrl, err := NewController(cfg, s, Deps{Recorder: rec, Observer: obs, Clock: newFakeClock(), Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ctrl.Run(context.Background())
	if err != nil || res.Outcome != OutcomeCompleted {
		t.Fatalf("Run = %v, %v", res, err)
	}
	if obs.readFails == 0 {
		t.Error("no read failures reported")
	}
	if len(rec.setpoints) != 1 || len(rec.setpoints[0].Samples) != 4 {
		t.Fatalf("setpoints = %+v", rec.setpoints)
	}
	if !math.IsNaN(rec.setpoints[0].Samples[0].Current) {
		t.Errorf("failed read recorded as %v, want NaN", rec.setpoints[0].Samples[0].Current)
	}
	if res.Curve[0].Current != 3e-9 {
		t.Errorf("steady-state current = %v, want 3e-9", res.Curve[0].Current)
	}
}

func TestRunCVMeasuresImpedance(t *testing.T) {
	hv := quietSource()
	meter := instrument.NewSimCurrentMeter(hv, instrument.Options{"noise": 0.0})
	lcr := instrument.NewSimImpedanceMeter(instrument.Options{"noise": 0.0})
	s := suite.Assemble(hv, meter, lcr)

	cfg := baseConfig()
	cfg.Mode = ModeCV
	ctrl, err := NewController(cfg, s, Deps{Clock: newFakeClock(), Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, p := range res.Curve {
		if math.Abs(p.Capacitance-50e-12) > 1e-18 || math.Abs(p.Resistance-100e3) > 1e-6 {
			t.Errorf("%v V: Cp=%v Rp=%v", p.Voltage, p.Capacitance, p.Resistance)
		}
	}
}

func TestRunCVWithoutImpedanceMeter(t *testing.T) {
	s, hv := simulatedSuite()
	_ = hv.EnableOutput(true)
	cfg := baseConfig()
	cfg.Mode = ModeCV
	ctrl, err := NewController(cfg, s, Deps{Clock: newFakeClock(), Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Run(context.Background()); !errors.Is(err, ErrNoImpedanceMeter) {
		t.Errorf("Run error = %v, want ErrNoImpedanceMeter", err)
	}
	if hv.OutputEnabled() {
		t.Error("output left enabled")
	}
}

func TestStartWithCancelledContext(t *testing.T) {
	s, hv := simulatedSuite()
	rec := &memRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := Start(ctx, baseConfig(), s, Deps{Recorder: rec, Clock: newFakeClock(), Logger: quiet()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Outcome != OutcomeCancelled || len(res.Curve) != 0 {
		t.Errorf("result = %v, want cancelled with no points", res)
	}
	if len(rec.curves) != 1 {
		t.Errorf("curve written %d times, want 1", len(rec.curves))
	}
	if hv.OutputEnabled() {
		t.Error("output enabled")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done not closed after Wait")
	}
	h.RequestStop()
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	s, _ := simulatedSuite()
	cfg := baseConfig()
	cfg.Step = 0
	if _, err := Start(context.Background(), cfg, s, Deps{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Start error = %v, want ErrInvalidConfig", err)
	}
}

func TestNilHandle(t *testing.T) {
	var h *Handle
	h.RequestStop()
	if h.RunID() != "" {
		t.Error("nil handle has a run ID")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done on a nil handle is not closed")
	}
	if _, err := h.Wait(); !errors.Is(err, ErrNoRun) {
		t.Errorf("Wait error = %v, want ErrNoRun", err)
	}
}
