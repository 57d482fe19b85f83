package instrument

import (
	"fmt"
	"strings"
	"sync"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/scpi"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/transport"
)

// DefaultE4980AIDN is matched against *IDN? replies during auto-detection.
const DefaultE4980AIDN = "E4980A"

// E4980A implements ImpedanceMeter for the Keysight precision LCR meter.
type E4980A struct {
	expectedIDN string
	acVoltage   float64 // V rms, 0 keeps the instrument default
	acFrequency float64 // Hz, 0 keeps the instrument default
	address     string
	dial        Dialer

	mu   sync.Mutex
	link transport.Link
}

// NewE4980A builds the meter. Recognized options: vid and pid (both or
// neither; without them every USBTMC device is probed for expected_idn),
// expected_idn, ac_voltage (V), ac_frequency (Hz). A nil dial opens the
// instrument over USBTMC.
func NewE4980A(opts Options, dial Dialer) (*E4980A, error) {
	m := &E4980A{
		expectedIDN: opts.String("expected_idn", DefaultE4980AIDN),
		acVoltage:   opts.Float("ac_voltage", 0),
		acFrequency: opts.Float("ac_frequency", 0),
		dial:        dial,
	}

	if dial != nil {
		m.address = "custom"
		return m, nil
	}

	if opts.Has("vid") && opts.Has("pid") {
		vid, err := opts.USBID("vid", 0)
		if err != nil {
			return nil, err
		}
		pid, err := opts.USBID("pid", 0)
		if err != nil {
			return nil, err
		}
		m.address = fmt.Sprintf("%04X:%04X", vid, pid)
		m.dial = func() (transport.Link, error) {
			return transport.OpenUSBTMC(vid, pid)
		}
		return m, nil
	}

	m.address = "auto"
	m.dial = func() (transport.Link, error) {
		return autodetectUSBTMC(m.expectedIDN)
	}
	return m, nil
}

// autodetectUSBTMC opens each USBTMC device in turn and keeps the first whose
// identification contains want.
func autodetectUSBTMC(want string) (transport.Link, error) {
	devices, err := transport.EnumerateUSBTMC()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		link, err := transport.OpenUSBTMC(dev.VID, dev.PID)
		if err != nil {
			continue
		}
		idn, err := link.Query("*IDN?")
		if err == nil && strings.Contains(idn, want) {
			return link, nil
		}
		link.Close()
	}
	return nil, fmt.Errorf("no USBTMC instrument identifies as %q", want)
}

func (m *E4980A) Info() Info {
	return Info{Vendor: "Keysight", Model: "E4980A", Transport: "usbtmc", Address: m.address}
}

func (m *E4980A) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link != nil {
		return nil
	}

	link, err := m.dial()
	if err != nil {
		return transportErr("open LCR meter", err)
	}

	cmds := []string{"*CLS", "*RST", "FUNC:IMP CPRP"}
	if m.acVoltage > 0 {
		cmds = append(cmds, fmt.Sprintf("VOLT:LEV %g", m.acVoltage))
	}
	if m.acFrequency > 0 {
		cmds = append(cmds, fmt.Sprintf("FREQ %g", m.acFrequency))
	}
	if err := sendAll(link, cmds...); err != nil {
		link.Close()
		return err
	}

	m.link = link
	return nil
}

func (m *E4980A) FetchParallelCR() (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const cmd = "FETC:IMP:CPRP?"
	if m.link == nil {
		return nan(), nan(), readErr(cmd, ErrNotConnected)
	}
	reply, err := m.link.Query(cmd)
	if err != nil {
		return nan(), nan(), readErr(cmd, err)
	}
	cp, rp, err := scpi.ParsePair(reply)
	if err != nil {
		return nan(), nan(), readErr(cmd, err)
	}
	return cp, rp, nil
}

func (m *E4980A) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link == nil {
		return nil
	}
	_ = m.link.WriteLine("*CLS")
	err := m.link.Close()
	m.link = nil
	if err != nil {
		return transportErr("close", err)
	}
	return nil
}
