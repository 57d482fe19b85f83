package instrument

import (
	"math/rand/v2"
	"sync"
)

// Simulation defaults.
const (
	DefaultSimLoadResistance = 1e7 // ohm
	DefaultSimSourceNoise    = 5e-12
	DefaultSimMeterNoise     = 2e-12
	DefaultSimCapacitancePF  = 50
	DefaultSimResistanceKOhm = 100

	defaultSourceSeed = 42
	defaultMeterSeed  = 1337
	defaultLCRSeed    = 7
)

func newRand(opts Options, seed uint64) *rand.Rand {
	s := uint64(opts.Int("seed", int(seed)))
	return rand.New(rand.NewPCG(s, s^0x9E3779B97F4A7C15))
}

// SimHVSource models a bias supply driving a resistive load. With the output
// enabled it reports V/R plus Gaussian noise; disabled it reports zero.
type SimHVSource struct {
	noise      float64
	resistance float64

	mu      sync.Mutex
	rng     *rand.Rand
	voltage float64
	output  bool
}

// NewSimHVSource builds a simulated source. Recognized options: noise,
// load_resistance (alias virtual_dut_resistance), seed.
func NewSimHVSource(opts Options) *SimHVSource {
	return &SimHVSource{
		noise:      opts.Float("noise", DefaultSimSourceNoise),
		resistance: opts.FirstFloat(DefaultSimLoadResistance, "load_resistance", "virtual_dut_resistance"),
		rng:        newRand(opts, defaultSourceSeed),
	}
}

func (s *SimHVSource) Info() Info {
	return Info{Vendor: "Simulated", Model: "HV source", Transport: "none", Simulated: true}
}

func (s *SimHVSource) Connect() error { return nil }

func (s *SimHVSource) EnableOutput(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = on
	return nil
}

// OutputEnabled reports the output relay state.
func (s *SimHVSource) OutputEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *SimHVSource) SetVoltage(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltage = v
	return nil
}

func (s *SimHVSource) Voltage() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltage, nil
}

func (s *SimHVSource) MeasureCurrent() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.output {
		return 0, nil
	}
	return s.voltage/s.resistance + s.rng.NormFloat64()*s.noise, nil
}

func (s *SimHVSource) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = false
	s.voltage = 0
	return nil
}

// SimCurrentMeter reports the current a resistive DUT would draw at the
// voltage of the probed source.
type SimCurrentMeter struct {
	probe      VoltageProbe
	noise      float64
	resistance float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimCurrentMeter builds a simulated meter observing probe. Recognized
// options: noise, virtual_dut_resistance (alias load_resistance), seed.
func NewSimCurrentMeter(probe VoltageProbe, opts Options) *SimCurrentMeter {
	return &SimCurrentMeter{
		probe:      probe,
		noise:      opts.Float("noise", DefaultSimMeterNoise),
		resistance: opts.FirstFloat(DefaultSimLoadResistance, "virtual_dut_resistance", "load_resistance"),
		rng:        newRand(opts, defaultMeterSeed),
	}
}

func (m *SimCurrentMeter) Info() Info {
	return Info{Vendor: "Simulated", Model: "Picoammeter", Transport: "none", Simulated: true}
}

func (m *SimCurrentMeter) Connect() error { return nil }

func (m *SimCurrentMeter) ReadCurrent() (float64, error) {
	var v float64
	if m.probe != nil {
		pv, err := m.probe.Voltage()
		if err != nil {
			return nan(), readErr("probe voltage", err)
		}
		v = pv
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return v/m.resistance + m.rng.NormFloat64()*m.noise, nil
}

func (m *SimCurrentMeter) Shutdown() error { return nil }

// SimImpedanceMeter reports Gaussian Cp/Rp values around fixed nominals.
type SimImpedanceMeter struct {
	capacitance float64 // F
	resistance  float64 // ohm
	capSpread   float64
	resSpread   float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimImpedanceMeter builds a simulated LCR meter. Recognized options:
// capacitance_pf, resistance_kohm, noise (relative spread applied to both),
// seed.
func NewSimImpedanceMeter(opts Options) *SimImpedanceMeter {
	m := &SimImpedanceMeter{
		capacitance: opts.Float("capacitance_pf", DefaultSimCapacitancePF) * 1e-12,
		resistance:  opts.Float("resistance_kohm", DefaultSimResistanceKOhm) * 1e3,
		capSpread:   0.01,
		resSpread:   0.02,
		rng:         newRand(opts, defaultLCRSeed),
	}
	if opts.Has("noise") {
		m.capSpread = opts.Float("noise", m.capSpread)
		m.resSpread = m.capSpread
	}
	return m
}

func (m *SimImpedanceMeter) Info() Info {
	return Info{Vendor: "Simulated", Model: "LCR meter", Transport: "none", Simulated: true}
}

func (m *SimImpedanceMeter) Connect() error { return nil }

func (m *SimImpedanceMeter) FetchParallelCR() (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.capacitance * (1 + m.rng.NormFloat64()*m.capSpread)
	rp := m.resistance * (1 + m.rng.NormFloat64()*m.resSpread)
	return cp, rp, nil
}

func (m *SimImpedanceMeter) Shutdown() error { return nil }
