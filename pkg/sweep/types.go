package sweep

import (
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/envsensor"
)

// Sample is one reading taken during the sampling phase of a setpoint.
type Sample struct {
	Elapsed time.Duration
	Current float64 // meter reading, NaN when the read failed
	// SourceCurrent is the HV source's own reading (IV mode), NaN otherwise.
	SourceCurrent float64
	// Capacitance and Resistance are the parallel Cp/Rp pair (CV mode), NaN
	// otherwise.
	Capacitance float64
	Resistance  float64
	Environment envsensor.Reading
}

// ResultPoint is the steady-state summary of one completed setpoint.
type ResultPoint struct {
	Voltage     float64
	Current     float64
	Capacitance float64
	Resistance  float64
}

// SetpointRecord is everything persisted for one completed setpoint.
type SetpointRecord struct {
	Index   int
	Voltage float64
	Samples []Sample
	Point   ResultPoint
}

// RunInfo identifies a sweep to recorders and observers.
type RunInfo struct {
	ID        string
	Mode      Mode
	StartedAt time.Time
	Config    Config
	Setpoints []float64
}

// Outcome is how a sweep ended when no fatal error occurred.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSafetyTrip Outcome = "safety_trip"
)

// Result is returned by Handle.Wait. Curve holds only completed setpoints.
type Result struct {
	RunID   string
	Outcome Outcome
	Reason  string
	Curve   []ResultPoint
}

func (r Result) String() string {
	if r.Reason == "" {
		return fmt.Sprintf("%s (%d setpoints)", r.Outcome, len(r.Curve))
	}
	return fmt.Sprintf("%s: %s (%d setpoints)", r.Outcome, r.Reason, len(r.Curve))
}

// Recorder persists sweep results. Calls arrive from the sweep goroutine in
// order: Begin, RecordSetpoint for each completed setpoint, then RecordCurve
// exactly once when the run terminates.
type Recorder interface {
	Begin(info RunInfo) error
	RecordSetpoint(info RunInfo, rec SetpointRecord) error
	RecordCurve(info RunInfo, curve []ResultPoint) error
}

// Observer receives progress events on the sweep goroutine. Implementations
// must return quickly.
type Observer interface {
	SampleTaken(voltage float64, s Sample)
	ReadFailed(role string, err error)
	OverCurrent(voltage, current float64)
	SetpointCompleted(p ResultPoint, took time.Duration)
	RunFinished(r Result)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SampleTaken(float64, Sample)                  {}
func (NopObserver) ReadFailed(string, error)                     {}
func (NopObserver) OverCurrent(float64, float64)                 {}
func (NopObserver) SetpointCompleted(ResultPoint, time.Duration) {}
func (NopObserver) RunFinished(Result)                           {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) SampleTaken(v float64, s Sample) {
	for _, x := range o {
		x.SampleTaken(v, s)
	}
}

func (o Observers) ReadFailed(role string, err error) {
	for _, x := range o {
		x.ReadFailed(role, err)
	}
}

func (o Observers) OverCurrent(v, i float64) {
	for _, x := range o {
		x.OverCurrent(v, i)
	}
}

func (o Observers) SetpointCompleted(p ResultPoint, took time.Duration) {
	for _, x := range o {
		x.SetpointCompleted(p, took)
	}
}

func (o Observers) RunFinished(r Result) {
	for _, x := range o {
		x.RunFinished(r)
	}
}
