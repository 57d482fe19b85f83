// Package metrics exports sweep progress as Prometheus metrics.
package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/suite"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/sweep"
)

// Metrics implements sweep.Observer.
type Metrics struct {
	samples      prometheus.Counter
	readFailures *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	safetyTrips  prometheus.Counter
	runs         *prometheus.CounterVec
	overCurrent  prometheus.Counter

	voltage prometheus.Gauge
	current prometheus.Gauge

	setpointDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lgad_samples_total",
			Help: "Samples taken across all setpoints.",
		}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lgad_read_failures_total",
			Help: "Instrument readings that failed and were recorded as NaN.",
		}, []string{"role"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lgad_instrument_fallbacks_total",
			Help: "Instruments replaced by a simulated variant after a connection failure.",
		}, []string{"role"}),
		safetyTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lgad_safety_trips_total",
			Help: "Runs aborted by the current limit.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lgad_runs_total",
			Help: "Finished runs by outcome.",
		}, []string{"outcome"}),
		overCurrent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lgad_over_current_readings_total",
			Help: "Readings above the current limit.",
		}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lgad_bias_voltage_volts",
			Help: "Bias voltage of the most recent sample.",
		}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lgad_current_amps",
			Help: "Current of the most recent valid sample.",
		}),
		setpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lgad_setpoint_duration_seconds",
			Help:    "Wall time from ramp start to ramp-down end of a setpoint.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	reg.MustRegister(m.samples, m.readFailures, m.fallbacks, m.safetyTrips, m.runs,
		m.overCurrent, m.voltage, m.current, m.setpointDuration)
	return m
}

func (m *Metrics) SampleTaken(v float64, s sweep.Sample) {
	m.samples.Inc()
	m.voltage.Set(v)
	if !math.IsNaN(s.Current) {
		m.current.Set(s.Current)
	}
}

func (m *Metrics) ReadFailed(role string, _ error) {
	m.readFailures.WithLabelValues(role).Inc()
}

func (m *Metrics) OverCurrent(float64, float64) {
	m.overCurrent.Inc()
}

func (m *Metrics) SetpointCompleted(_ sweep.ResultPoint, took time.Duration) {
	m.setpointDuration.Observe(took.Seconds())
}

func (m *Metrics) RunFinished(r sweep.Result) {
	outcome := string(r.Outcome)
	if outcome == "" {
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Inc()
	if r.Outcome == sweep.OutcomeSafetyTrip {
		m.safetyTrips.Inc()
	}
}

// Fallback counts a simulated substitution. It matches suite.FallbackHook.
func (m *Metrics) Fallback(role suite.Role, _ string, _ error) {
	m.fallbacks.WithLabelValues(string(role)).Inc()
}

var _ sweep.Observer = (*Metrics)(nil)
