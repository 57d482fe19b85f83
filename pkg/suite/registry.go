package suite

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/instrument"
)

// Role identifies one instrument slot in a suite.
type Role string

const (
	RoleHV        Role = instrument.RoleHV
	RoleMeter     Role = instrument.RoleMeter
	RoleImpedance Role = "lcr_meter"
)

// ErrUnknownInstrument is wrapped by every ConfigError.
var ErrUnknownInstrument = errors.New("suite: unknown instrument type")

// ConfigError reports a type name no registered model answers to. It is
// raised before any hardware is touched.
type ConfigError struct {
	Role  Role
	Name  string
	Known []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("unknown %s type %q (known: %s)", e.Role, e.Name, strings.Join(e.Known, ", "))
}

func (e *ConfigError) Unwrap() error { return ErrUnknownInstrument }

// Env is what a model constructor receives.
type Env struct {
	Options    instrument.Options
	Controller *instrument.SharedController
	// Probe is the suite's final HV source; set for current meters only.
	Probe instrument.VoltageProbe
	// Dial overrides the model's hardware link when non-nil.
	Dial instrument.Dialer
}

// Model is one entry of the closed set of instrument types.
type Model struct {
	Name        string
	Aliases     []string
	Role        Role
	Description string
	// Simulated variants never fail to construct or connect, and a simulated
	// meter observes the suite's HV source.
	Simulated bool
	// SharedLink models talk through the suite's SharedController.
	SharedLink bool

	NewHV        func(Env) (instrument.HVSource, error)
	NewMeter     func(Env) (instrument.CurrentMeter, error)
	NewImpedance func(Env) (instrument.ImpedanceMeter, error)
}

// Registry maps role-qualified type names to models.
type Registry struct {
	models []Model
	lookup map[Role]map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{lookup: make(map[Role]map[string]int)}
}

// Register adds m under its name and aliases. Names are case-insensitive.
func (r *Registry) Register(m Model) error {
	if m.Name == "" {
		return fmt.Errorf("model without name")
	}
	names := r.lookup[m.Role]
	if names == nil {
		names = make(map[string]int)
		r.lookup[m.Role] = names
	}

	keys := append([]string{m.Name}, m.Aliases...)
	for _, k := range keys {
		if _, dup := names[normalize(k)]; dup {
			return fmt.Errorf("%s type %q already registered", m.Role, k)
		}
	}

	r.models = append(r.models, m)
	idx := len(r.models) - 1
	for _, k := range keys {
		names[normalize(k)] = idx
	}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(m Model) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Resolve finds the model for name in role.
func (r *Registry) Resolve(role Role, name string) (Model, error) {
	if idx, ok := r.lookup[role][normalize(name)]; ok {
		return r.models[idx], nil
	}
	return Model{}, &ConfigError{Role: role, Name: name, Known: r.Names(role)}
}

// Simulated returns the simulated model registered for role, if any.
func (r *Registry) Simulated(role Role) (Model, bool) {
	for _, m := range r.models {
		if m.Role == role && m.Simulated {
			return m, true
		}
	}
	return Model{}, false
}

// Names lists the canonical model names for role, sorted.
func (r *Registry) Names(role Role) []string {
	var names []string
	for _, m := range r.models {
		if m.Role == role {
			names = append(names, m.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Models returns every registered model in registration order.
func (r *Registry) Models() []Model {
	return append([]Model(nil), r.models...)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Disabled reports whether an impedance meter type name means "none".
func Disabled(name string) bool {
	switch normalize(name) {
	case "", "none", "disabled", "off":
		return true
	}
	return false
}

// DefaultRegistry returns a registry holding every supported instrument.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.MustRegister(Model{
		Name:        "keithley_2470",
		Aliases:     []string{"keithley2470", "2470"},
		Role:        RoleHV,
		Description: "Keithley 2470 SourceMeter (USBTMC)",
		NewHV: func(env Env) (instrument.HVSource, error) {
			return instrument.NewKeithley2470(env.Options, env.Dial)
		},
	})
	r.MustRegister(Model{
		Name:        "keithley_6487",
		Aliases:     []string{"keithley6487", "6487"},
		Role:        RoleHV,
		Description: "Keithley 6487 voltage source (RS-232, shared)",
		SharedLink:  true,
		NewHV: func(env Env) (instrument.HVSource, error) {
			return instrument.NewKeithley6487Source(env.Controller, env.Options), nil
		},
	})
	r.MustRegister(Model{
		Name:        "virtual",
		Aliases:     []string{"sim", "simulation", "simulated"},
		Role:        RoleHV,
		Description: "Simulated HV source",
		Simulated:   true,
		NewHV: func(env Env) (instrument.HVSource, error) {
			return instrument.NewSimHVSource(env.Options), nil
		},
	})

	r.MustRegister(Model{
		Name:        "keithley_6487",
		Aliases:     []string{"keithley6487", "6487"},
		Role:        RoleMeter,
		Description: "Keithley 6487 picoammeter (RS-232, shared)",
		SharedLink:  true,
		NewMeter: func(env Env) (instrument.CurrentMeter, error) {
			return instrument.NewKeithley6487Meter(env.Controller), nil
		},
	})
	r.MustRegister(Model{
		Name:        "keithley_6485",
		Aliases:     []string{"keithley6485", "6485"},
		Role:        RoleMeter,
		Description: "Keithley 6485 picoammeter (RS-232)",
		NewMeter: func(env Env) (instrument.CurrentMeter, error) {
			return instrument.NewKeithley6485(env.Options, env.Dial), nil
		},
	})
	r.MustRegister(Model{
		Name:        "virtual",
		Aliases:     []string{"sim", "simulation", "simulated"},
		Role:        RoleMeter,
		Description: "Simulated picoammeter",
		Simulated:   true,
		NewMeter: func(env Env) (instrument.CurrentMeter, error) {
			return instrument.NewSimCurrentMeter(env.Probe, env.Options), nil
		},
	})

	r.MustRegister(Model{
		Name:        "keysight_e4980a",
		Aliases:     []string{"e4980a", "keysight"},
		Role:        RoleImpedance,
		Description: "Keysight E4980A LCR meter (USBTMC)",
		NewImpedance: func(env Env) (instrument.ImpedanceMeter, error) {
			return instrument.NewE4980A(env.Options, env.Dial)
		},
	})
	r.MustRegister(Model{
		Name:        "virtual",
		Aliases:     []string{"sim", "simulation", "simulated"},
		Role:        RoleImpedance,
		Description: "Simulated LCR meter",
		Simulated:   true,
		NewImpedance: func(env Env) (instrument.ImpedanceMeter, error) {
			return instrument.NewSimImpedanceMeter(env.Options), nil
		},
	})

	return r
}
