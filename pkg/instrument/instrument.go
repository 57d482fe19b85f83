package instrument

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/transport"
)

// HVSource abstracts a programmable high-voltage bias supply that can also
// report the current it sources.
type HVSource interface {
	Connect() error
	EnableOutput(on bool) error
	SetVoltage(v float64) error
	Voltage() (float64, error)
	// MeasureCurrent returns NaN with an error wrapping ErrTransientRead when
	// a single reading fails.
	MeasureCurrent() (float64, error)
	Shutdown() error
}

// CurrentMeter abstracts a low-current ammeter.
type CurrentMeter interface {
	Connect() error
	// ReadCurrent returns NaN with an error wrapping ErrTransientRead when a
	// single reading fails.
	ReadCurrent() (float64, error)
	Shutdown() error
}

// ImpedanceMeter abstracts an LCR meter reporting parallel capacitance and
// resistance.
type ImpedanceMeter interface {
	Connect() error
	// FetchParallelCR returns (NaN, NaN) with an error wrapping
	// ErrTransientRead when a single reading fails.
	FetchParallelCR() (cp, rp float64, err error)
	Shutdown() error
}

// VoltageProbe is the narrow view of a bias source a simulated meter needs.
type VoltageProbe interface {
	Voltage() (float64, error)
}

// Info describes a concrete instrument variant.
type Info struct {
	Vendor    string
	Model     string
	Transport string
	Address   string
	Simulated bool
}

// Describer is implemented by every variant in this package.
type Describer interface {
	Info() Info
}

var (
	// ErrNotConnected is returned when an operation precedes Connect.
	ErrNotConnected = errors.New("instrument: not connected")
	// ErrTransport wraps communication failures.
	ErrTransport = errors.New("instrument: transport failure")
	// ErrTransientRead marks a single failed reading; callers record NaN and
	// carry on.
	ErrTransientRead = errors.New("instrument: transient read failure")
)

// Dialer opens the link an adapter talks through. Tests substitute
// transport.SimLink.
type Dialer func() (transport.Link, error)

// sleep is the settle delay used in bring-up sequences.
var sleep = time.Sleep

func nan() float64 { return math.NaN() }

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

func readErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransientRead, op, err)
}

// sendAll writes each command in order, stopping at the first failure.
func sendAll(link transport.Link, cmds ...string) error {
	for _, cmd := range cmds {
		if err := link.WriteLine(cmd); err != nil {
			return transportErr(cmd, err)
		}
	}
	return nil
}
