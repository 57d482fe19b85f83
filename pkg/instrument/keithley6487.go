package instrument

import (
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/scpi"
)

// Role names used when claiming a SharedController.
const (
	RoleHV    = "hv_source"
	RoleMeter = "picoammeter"
)

// Keithley6487Source drives the built-in voltage source of a 6487 through a
// SharedController.
type Keithley6487Source struct {
	ctrl         *SharedController
	voltageRange float64

	mu        sync.Mutex
	connected bool
	owner     bool
}

// NewKeithley6487Source builds the HV role. Recognized option: voltage_range
// (10, 50 or 500 V; 0 keeps the instrument default).
func NewKeithley6487Source(ctrl *SharedController, opts Options) *Keithley6487Source {
	return &Keithley6487Source{
		ctrl:         ctrl,
		voltageRange: opts.Float("voltage_range", 0),
	}
}

func (k *Keithley6487Source) Info() Info {
	info := k.ctrl.Info()
	info.Model = "6487 source"
	return info
}

func (k *Keithley6487Source) Connect() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.connected {
		return nil
	}
	if err := k.ctrl.Connect(); err != nil {
		return err
	}
	if k.voltageRange > 0 {
		if err := k.ctrl.SendCommand(fmt.Sprintf("SOUR:VOLT:RANG %g", k.voltageRange)); err != nil {
			return err
		}
	}
	k.owner = k.ctrl.Claim(RoleHV)
	k.connected = true
	return nil
}

func (k *Keithley6487Source) EnableOutput(on bool) error {
	if on {
		return k.ctrl.SendCommand("SOUR:VOLT:STAT ON")
	}
	return k.ctrl.SendCommand("SOUR:VOLT:STAT OFF")
}

func (k *Keithley6487Source) SetVoltage(v float64) error {
	return k.ctrl.SendCommand(fmt.Sprintf("SOUR:VOLT %.3f", v))
}

func (k *Keithley6487Source) Voltage() (float64, error) {
	reply, err := k.ctrl.Query("SOUR:VOLT?")
	if err != nil {
		return nan(), readErr("SOUR:VOLT?", err)
	}
	v, err := scpi.ParseFirst(reply)
	if err != nil {
		return nan(), readErr("SOUR:VOLT?", err)
	}
	return v, nil
}

// MeasureCurrent returns the picoammeter reading; the 6487 senses the
// current its own source drives.
func (k *Keithley6487Source) MeasureCurrent() (float64, error) {
	return k.ctrl.ReadCurrent()
}

func (k *Keithley6487Source) Shutdown() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.connected {
		return nil
	}
	k.connected = false

	err := k.ctrl.SendCommand("SOUR:VOLT:STAT OFF")
	if k.owner {
		if cerr := k.ctrl.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Keithley6487Meter is the picoammeter role of a 6487.
type Keithley6487Meter struct {
	ctrl *SharedController

	mu        sync.Mutex
	connected bool
	owner     bool
}

// NewKeithley6487Meter builds the meter role over ctrl.
func NewKeithley6487Meter(ctrl *SharedController) *Keithley6487Meter {
	return &Keithley6487Meter{ctrl: ctrl}
}

func (k *Keithley6487Meter) Info() Info {
	return k.ctrl.Info()
}

func (k *Keithley6487Meter) Connect() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.connected {
		return nil
	}
	if err := k.ctrl.Connect(); err != nil {
		return err
	}
	k.owner = k.ctrl.Claim(RoleMeter)
	k.connected = true
	return nil
}

func (k *Keithley6487Meter) ReadCurrent() (float64, error) {
	return k.ctrl.ReadCurrent()
}

func (k *Keithley6487Meter) Shutdown() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.connected {
		return nil
	}
	k.connected = false
	if k.owner {
		return k.ctrl.Close()
	}
	return nil
}
