package instrument

import (
	"fmt"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/scpi"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/transport"
)

// Keithley 2470 USB identifiers
const (
	VendorIDKeithley    = 0x05E6
	ProductID2470       = 0x2470
	DefaultVoltageRange = 200.0
)

// Keithley2470 implements HVSource for the 2470 SourceMeter over USBTMC.
type Keithley2470 struct {
	vid, pid     uint16
	voltageRange float64
	currentLimit float64
	dial         Dialer

	mu   sync.Mutex
	link transport.Link
}

// NewKeithley2470 builds the source. Recognized options: vid, pid,
// voltage_range (V), current_limit (A, optional compliance). A nil dial opens
// the instrument over USBTMC.
func NewKeithley2470(opts Options, dial Dialer) (*Keithley2470, error) {
	vid, err := opts.USBID("vid", VendorIDKeithley)
	if err != nil {
		return nil, err
	}
	pid, err := opts.USBID("pid", ProductID2470)
	if err != nil {
		return nil, err
	}

	k := &Keithley2470{
		vid:          vid,
		pid:          pid,
		voltageRange: opts.Float("voltage_range", DefaultVoltageRange),
		currentLimit: opts.Float("current_limit", 0),
		dial:         dial,
	}
	if k.dial == nil {
		k.dial = func() (transport.Link, error) {
			return transport.OpenUSBTMC(vid, pid)
		}
	}
	return k, nil
}

func (k *Keithley2470) Info() Info {
	return Info{
		Vendor:    "Keithley",
		Model:     "2470",
		Transport: "usbtmc",
		Address:   fmt.Sprintf("%04X:%04X", k.vid, k.pid),
	}
}

func (k *Keithley2470) Connect() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link != nil {
		return nil
	}

	link, err := k.dial()
	if err != nil {
		return transportErr("open USBTMC", err)
	}

	err = sendAll(link, "*CLS", "*RST")
	if err == nil {
		sleep(time.Second)
		cmds := []string{
			"SOUR:FUNC VOLT",
			fmt.Sprintf("SOUR:VOLT:RANG %g", k.voltageRange),
			"SENS:FUNC \"CURR\"",
		}
		if k.currentLimit > 0 {
			cmds = append(cmds, fmt.Sprintf("SOUR:VOLT:ILIM %g", k.currentLimit))
		}
		err = sendAll(link, cmds...)
	}
	if err != nil {
		link.Close()
		return err
	}

	k.link = link
	return nil
}

func (k *Keithley2470) write(cmd string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return ErrNotConnected
	}
	if err := k.link.WriteLine(cmd); err != nil {
		return transportErr(cmd, err)
	}
	return nil
}

func (k *Keithley2470) queryFloat(cmd string) (float64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return nan(), readErr(cmd, ErrNotConnected)
	}
	reply, err := k.link.Query(cmd)
	if err != nil {
		return nan(), readErr(cmd, err)
	}
	v, err := scpi.ParseFirst(reply)
	if err != nil {
		return nan(), readErr(cmd, err)
	}
	return v, nil
}

func (k *Keithley2470) EnableOutput(on bool) error {
	if on {
		return k.write("OUTP ON")
	}
	return k.write("OUTP OFF")
}

func (k *Keithley2470) SetVoltage(v float64) error {
	return k.write(fmt.Sprintf("SOUR:VOLT:LEV %g", v))
}

func (k *Keithley2470) Voltage() (float64, error) {
	return k.queryFloat("SOUR:VOLT:LEV?")
}

func (k *Keithley2470) MeasureCurrent() (float64, error) {
	return k.queryFloat("MEAS:CURR?")
}

// Shutdown switches the output off before releasing the link.
func (k *Keithley2470) Shutdown() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return nil
	}
	werr := k.link.WriteLine("OUTP OFF")
	cerr := k.link.Close()
	k.link = nil

	if werr != nil {
		return transportErr("OUTP OFF", werr)
	}
	if cerr != nil {
		return transportErr("close", cerr)
	}
	return nil
}
