package server

import (
	"math"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
)

// Status is the JSON form of a status.Snapshot. Readings that are NaN
// (failed or not applicable) are encoded as null.
type Status struct {
	RunID string       `json:"run_id,omitempty"`
	Mode  string       `json:"mode,omitempty"`
	State status.State `json:"state"`

	Voltage        float64  `json:"voltage"`
	Current        *float64 `json:"current"`
	ElapsedSeconds float64  `json:"elapsed_s"`

	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`

	Capacitance *float64 `json:"capacitance,omitempty"`
	Resistance  *float64 `json:"resistance,omitempty"`

	Setpoint      int       `json:"setpoint"`
	SetpointCount int       `json:"setpoint_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FromSnapshot converts s for the wire.
func FromSnapshot(s status.Snapshot) Status {
	out := Status{
		RunID:          s.RunID,
		Mode:           s.Mode,
		State:          s.State,
		Voltage:        s.Voltage,
		Current:        finite(s.Current),
		ElapsedSeconds: s.Elapsed.Seconds(),
		Setpoint:       s.Setpoint,
		SetpointCount:  s.SetpointCount,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.EnvValid {
		out.Temperature = finite(s.Temperature)
		out.Humidity = finite(s.Humidity)
	}
	if s.HasImpedance {
		out.Capacitance = finite(s.Capacitance)
		out.Resistance = finite(s.Resistance)
	}
	return out
}

// Snapshot converts back; nulls become NaN.
func (st Status) Snapshot() status.Snapshot {
	s := status.Snapshot{
		RunID:         st.RunID,
		Mode:          st.Mode,
		State:         st.State,
		Voltage:       st.Voltage,
		Current:       orNaN(st.Current),
		Elapsed:       time.Duration(st.ElapsedSeconds * float64(time.Second)),
		Capacitance:   orNaN(st.Capacitance),
		Resistance:    orNaN(st.Resistance),
		HasImpedance:  st.Capacitance != nil || st.Resistance != nil,
		Setpoint:      st.Setpoint,
		SetpointCount: st.SetpointCount,
		UpdatedAt:     st.UpdatedAt,
	}
	if st.Temperature != nil && st.Humidity != nil {
		s.EnvValid = true
		s.Temperature = *st.Temperature
		s.Humidity = *st.Humidity
	}
	if s.State == "" {
		s.State = status.StateIdle
	}
	return s
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}
