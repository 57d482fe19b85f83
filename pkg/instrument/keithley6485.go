package instrument

import (
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/scpi"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/transport"
)

const DefaultKeithley6485Port = "/dev/ttyUSB2"

// Keithley6485 is a standalone RS-232 picoammeter.
type Keithley6485 struct {
	port string
	dial Dialer

	mu   sync.Mutex
	link transport.Link
}

// NewKeithley6485 builds the meter. Recognized option: serial_port. A nil
// dial opens the port at 19200 baud.
func NewKeithley6485(opts Options, dial Dialer) *Keithley6485 {
	port := opts.String("serial_port", DefaultKeithley6485Port)
	if dial == nil {
		dial = serialDialer(transport.SerialConfig{
			Port:       port,
			BaudRate:   19200,
			Timeout:    2 * time.Second,
			WriteDelay: 50 * time.Millisecond,
		})
	}
	return &Keithley6485{port: port, dial: dial}
}

func (k *Keithley6485) Info() Info {
	return Info{Vendor: "Keithley", Model: "6485", Transport: "serial", Address: k.port}
}

func (k *Keithley6485) Connect() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link != nil {
		return nil
	}

	link, err := k.dial()
	if err != nil {
		return transportErr("open "+k.port, err)
	}

	err = sendAll(link,
		"*RST",
		"*CLS",
		"SYST:ZCH ON",
		"SYST:ZCOR ON",
		"SENS:FUNC 'CURR'",
		"SENS:CURR:RANG 2E-5",
		"SENS:CURR:NPLC 1",
		"SYST:ZCOR:ACQ",
	)
	if err == nil {
		sleep(500 * time.Millisecond)
		err = sendAll(link, "SYST:ZCH OFF")
	}
	if err != nil {
		link.Close()
		return err
	}

	k.link = link
	return nil
}

func (k *Keithley6485) ReadCurrent() (float64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return nan(), readErr("READ?", ErrNotConnected)
	}
	reply, err := k.link.Query("READ?")
	if err != nil {
		return nan(), readErr("READ?", err)
	}
	v, err := scpi.ParseFirst(reply)
	if err != nil {
		return nan(), readErr("READ?", err)
	}
	return v, nil
}

func (k *Keithley6485) Shutdown() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return nil
	}
	err := k.link.Close()
	k.link = nil
	if err != nil {
		return transportErr("close", err)
	}
	return nil
}
