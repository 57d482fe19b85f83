// Package status publishes the most recent sweep reading to any number of
// concurrent observers without ever blocking the sweep.
package status

import (
	"sync/atomic"
	"time"
)

// State names the phase of the sweep state machine.
type State string

const (
	StateIdle        State = "idle"
	StateRamping     State = "ramping"
	StateSampling    State = "sampling"
	StateRampingDown State = "ramping_down"
	StateComplete    State = "complete"
	StateAborted     State = "aborted"
)

// Snapshot is one coherent view of the live measurement. It is replaced
// wholesale on every publish and never mutated afterwards.
type Snapshot struct {
	RunID string `json:"run_id,omitempty"`
	Mode  string `json:"mode,omitempty"`
	State State  `json:"state"`

	Voltage float64       `json:"voltage"`
	Current float64       `json:"current"`
	Elapsed time.Duration `json:"elapsed_ns"`

	EnvValid    bool    `json:"env_valid"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`

	HasImpedance bool    `json:"has_impedance"`
	Capacitance  float64 `json:"capacitance"`
	Resistance   float64 `json:"resistance"`

	Setpoint      int `json:"setpoint"`
	SetpointCount int `json:"setpoint_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Board holds the latest Snapshot. Publish and Snapshot are wait-free; a
// reader always sees a complete snapshot, never a mix of two.
type Board struct {
	current atomic.Pointer[Snapshot]
}

// NewBoard returns a board in the idle state.
func NewBoard() *Board {
	b := &Board{}
	b.current.Store(&Snapshot{State: StateIdle})
	return b
}

// Publish replaces the current snapshot.
func (b *Board) Publish(s Snapshot) {
	b.current.Store(&s)
}

// Snapshot returns a copy of the latest published snapshot. A zero Board
// reports an idle snapshot.
func (b *Board) Snapshot() Snapshot {
	if s := b.current.Load(); s != nil {
		return *s
	}
	return Snapshot{State: StateIdle}
}

// Update applies fn to a copy of the current snapshot and publishes the
// result. Intended for the single writer only.
func (b *Board) Update(fn func(*Snapshot)) {
	s := b.Snapshot()
	fn(&s)
	b.Publish(s)
}
