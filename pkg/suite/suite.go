package suite

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/instrument"
)

// Settings selects an instrument type per role. ImpedanceMeter may be empty
// or "none" to run without an LCR meter.
type Settings struct {
	HVSource       string
	CurrentMeter   string
	ImpedanceMeter string

	HVOptions        instrument.Options
	MeterOptions     instrument.Options
	ImpedanceOptions instrument.Options
}

// Member describes how one role of a built suite was satisfied.
type Member struct {
	Role      Role
	Requested string
	Model     string
	Simulated bool
	// FellBack is set when the requested hardware failed and a simulated
	// variant took its place. Err holds the failure.
	FellBack bool
	Err      error
	Info     instrument.Info
}

// Suite is a connected set of instruments for one sweep.
type Suite struct {
	HV        instrument.HVSource
	Meter     instrument.CurrentMeter
	Impedance instrument.ImpedanceMeter

	Members []Member

	once        sync.Once
	shutdownErr error
}

// Assemble wraps already connected instruments. lcr may be nil.
func Assemble(hv instrument.HVSource, meter instrument.CurrentMeter, lcr instrument.ImpedanceMeter) *Suite {
	return &Suite{HV: hv, Meter: meter, Impedance: lcr}
}

// HasImpedance reports whether an LCR meter is part of the suite.
func (s *Suite) HasImpedance() bool {
	return s.Impedance != nil
}

// Member returns the descriptor for role.
func (s *Suite) Member(role Role) (Member, bool) {
	for _, m := range s.Members {
		if m.Role == role {
			return m, true
		}
	}
	return Member{}, false
}

// Shutdown shuts every member down, HV source first. It attempts all members
// even when one fails and runs only once; later calls return the first
// result.
func (s *Suite) Shutdown() error {
	s.once.Do(func() {
		var errs []error
		if s.HV != nil {
			if err := s.HV.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", RoleHV, err))
			}
		}
		if s.Meter != nil {
			if err := s.Meter.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", RoleMeter, err))
			}
		}
		if s.Impedance != nil {
			if err := s.Impedance.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", RoleImpedance, err))
			}
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

// FallbackHook is told about every role that fell back to simulation.
type FallbackHook func(role Role, model string, err error)

type buildOptions struct {
	logger     *slog.Logger
	registry   *Registry
	controller *instrument.SharedController
	dialers    map[string]instrument.Dialer
	onFallback FallbackHook
}

// Option customizes Build.
type Option func(*buildOptions)

// WithLogger sets the logger used to report fallbacks.
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithRegistry replaces the default model registry.
func WithRegistry(r *Registry) Option {
	return func(o *buildOptions) { o.registry = r }
}

// WithSharedController supplies an externally owned controller. The suite
// never closes it.
func WithSharedController(c *instrument.SharedController) Option {
	return func(o *buildOptions) { o.controller = c }
}

// WithDialer overrides the hardware link of the named model. The name of a
// shared-link model also sets the dialer of the implicit controller.
func WithDialer(model string, d instrument.Dialer) Option {
	return func(o *buildOptions) { o.dialers[normalize(model)] = d }
}

// WithFallbackHook registers a callback invoked on every fallback.
func WithFallbackHook(h FallbackHook) Option {
	return func(o *buildOptions) { o.onFallback = h }
}

// Build resolves, constructs and connects the instruments named by settings.
// Unknown type names fail with a *ConfigError before any hardware is touched.
// A role whose hardware cannot be constructed or connected is satisfied by
// its simulated variant instead; Build only fails on configuration errors.
func Build(settings Settings, opts ...Option) (*Suite, error) {
	o := buildOptions{
		logger:   slog.Default(),
		registry: DefaultRegistry(),
		dialers:  make(map[string]instrument.Dialer),
	}
	for _, opt := range opts {
		opt(&o)
	}

	hvModel, err := o.registry.Resolve(RoleHV, settings.HVSource)
	if err != nil {
		return nil, err
	}
	meterModel, err := o.registry.Resolve(RoleMeter, settings.CurrentMeter)
	if err != nil {
		return nil, err
	}
	var lcrModel *Model
	if !Disabled(settings.ImpedanceMeter) {
		m, err := o.registry.Resolve(RoleImpedance, settings.ImpedanceMeter)
		if err != nil {
			return nil, err
		}
		lcrModel = &m
	}

	b := &builder{o: o, settings: settings}
	b.prepareController(hvModel, meterModel)

	s := &Suite{}
	s.HV = b.buildHV(hvModel)
	s.Meter = b.buildMeter(meterModel, s.HV)
	if lcrModel != nil {
		s.Impedance = b.buildImpedance(*lcrModel)
	}

	// Real current readings would not correspond to a simulated bias.
	if b.members[0].FellBack && !b.members[1].Simulated {
		o.logger.Warn("HV source is simulated; replacing hardware current meter with simulation",
			"meter", meterModel.Name)
		if err := s.Meter.Shutdown(); err != nil {
			o.logger.Warn("shutdown of replaced current meter failed", "err", err)
		}
		meter := instrument.NewSimCurrentMeter(s.HV, settings.MeterOptions)
		b.members[1].Simulated = true
		b.members[1].FellBack = true
		b.members[1].Err = errors.New("HV source fell back to simulation")
		b.members[1].Model = "virtual"
		b.members[1].Info = meter.Info()
		s.Meter = meter
		if o.onFallback != nil {
			o.onFallback(RoleMeter, meterModel.Name, b.members[1].Err)
		}
	}

	if b.implicit && b.ctrl.Owner() == "" {
		if err := b.ctrl.Close(); err != nil {
			o.logger.Warn("closing unused shared controller failed", "err", err)
		}
	}

	s.Members = b.members
	return s, nil
}

type builder struct {
	o        buildOptions
	settings Settings
	ctrl     *instrument.SharedController
	implicit bool
	members  []Member
}

func (b *builder) prepareController(hv, meter Model) {
	if !hv.SharedLink && !meter.SharedLink {
		return
	}
	if b.o.controller != nil {
		b.ctrl = b.o.controller
		return
	}

	addr := ""
	if hv.SharedLink {
		addr = b.settings.HVOptions.String("serial_port", "")
	}
	if addr == "" && meter.SharedLink {
		addr = b.settings.MeterOptions.String("serial_port", "")
	}

	dial := b.o.dialers[normalize(hv.Name)]
	if !hv.SharedLink || dial == nil {
		dial = b.o.dialers[normalize(meter.Name)]
	}
	b.ctrl = instrument.NewSharedController(addr, dial)
	b.implicit = true
}

func (b *builder) env(m Model, opts instrument.Options) Env {
	return Env{
		Options:    opts,
		Controller: b.ctrl,
		Dial:       b.o.dialers[normalize(m.Name)],
	}
}

func (b *builder) fallback(role Role, m Model, err error) Model {
	b.o.logger.Warn("instrument unavailable, using simulation",
		"role", role, "model", m.Name, "err", err)
	if b.o.onFallback != nil {
		b.o.onFallback(role, m.Name, err)
	}
	if sim, ok := b.o.registry.Simulated(role); ok {
		return sim
	}
	return builtinSimulated(role)
}

// discard shuts down an instance that failed to connect.
func (b *builder) discard(m Model, inst interface{ Shutdown() error }) {
	if err := inst.Shutdown(); err != nil {
		b.o.logger.Warn("shutdown of failed instrument reported an error",
			"model", m.Name, "err", err)
	}
}

func (b *builder) connectSim(role Role, inst interface{ Connect() error }) {
	if err := inst.Connect(); err != nil {
		b.o.logger.Warn("simulated instrument failed to connect", "role", role, "err", err)
	}
}

func builtinSimulated(role Role) Model {
	sim, _ := DefaultRegistry().Simulated(role)
	return sim
}

func (b *builder) record(role Role, requested Model, used Model, err error, d any) {
	m := Member{
		Role:      role,
		Requested: requested.Name,
		Model:     used.Name,
		Simulated: used.Simulated,
		FellBack:  err != nil,
		Err:       err,
	}
	if desc, ok := d.(instrument.Describer); ok {
		m.Info = desc.Info()
	}
	b.members = append(b.members, m)
}

func (b *builder) buildHV(m Model) instrument.HVSource {
	opts := b.settings.HVOptions
	hv, err := m.NewHV(b.env(m, opts))
	if err == nil {
		err = hv.Connect()
		if err != nil {
			b.discard(m, hv)
		}
	}
	if err == nil {
		b.record(RoleHV, m, m, nil, hv)
		return hv
	}

	sim := b.fallback(RoleHV, m, err)
	hv, _ = sim.NewHV(Env{Options: opts})
	b.connectSim(RoleHV, hv)
	b.record(RoleHV, m, sim, err, hv)
	return hv
}

func (b *builder) buildMeter(m Model, hv instrument.HVSource) instrument.CurrentMeter {
	opts := b.settings.MeterOptions
	env := b.env(m, opts)
	env.Probe = hv

	meter, err := m.NewMeter(env)
	if err == nil {
		err = meter.Connect()
		if err != nil {
			b.discard(m, meter)
		}
	}
	if err == nil {
		b.record(RoleMeter, m, m, nil, meter)
		return meter
	}

	sim := b.fallback(RoleMeter, m, err)
	meter, _ = sim.NewMeter(Env{Options: opts, Probe: hv})
	b.connectSim(RoleMeter, meter)
	b.record(RoleMeter, m, sim, err, meter)
	return meter
}

func (b *builder) buildImpedance(m Model) instrument.ImpedanceMeter {
	opts := b.settings.ImpedanceOptions
	lcr, err := m.NewImpedance(b.env(m, opts))
	if err == nil {
		err = lcr.Connect()
		if err != nil {
			b.discard(m, lcr)
		}
	}
	if err == nil {
		b.record(RoleImpedance, m, m, nil, lcr)
		return lcr
	}

	sim := b.fallback(RoleImpedance, m, err)
	lcr, _ = sim.NewImpedance(Env{Options: opts})
	b.connectSim(RoleImpedance, lcr)
	b.record(RoleImpedance, m, sim, err, lcr)
	return lcr
}
