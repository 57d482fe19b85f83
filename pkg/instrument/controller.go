package instrument

import (
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/scpi"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/transport"
)

// DefaultSharedPort is the RS-232 address of a Keithley 6487 when no option
// names one.
const DefaultSharedPort = "/dev/ttyUSB0"

// SharedController multiplexes one Keithley 6487 serial link between the HV
// source and picoammeter roles. Command/reply pairs are serialized so the two
// roles never interleave on the wire.
//
// Ownership: the first role to connect through a controller created by the
// suite factory claims it and is the only one that closes it. A controller
// supplied from outside (External) is never claimed and never closed by an
// adapter.
type SharedController struct {
	Address  string
	External bool

	dial Dialer

	mu        sync.Mutex
	link      transport.Link
	connected bool
	closed    bool
	owner     string
}

// NewSharedController creates an implicitly owned controller for address.
// A nil dial opens the serial port at 9600 baud.
func NewSharedController(address string, dial Dialer) *SharedController {
	if address == "" {
		address = DefaultSharedPort
	}
	if dial == nil {
		dial = serialDialer(transport.SerialConfig{
			Port:       address,
			BaudRate:   9600,
			Timeout:    2 * time.Second,
			WriteDelay: 100 * time.Millisecond,
		})
	}
	return &SharedController{Address: address, dial: dial}
}

// NewExternalController creates a controller whose lifetime is managed by the
// caller.
func NewExternalController(address string, dial Dialer) *SharedController {
	c := NewSharedController(address, dial)
	c.External = true
	return c
}

func serialDialer(cfg transport.SerialConfig) Dialer {
	return func() (transport.Link, error) {
		return transport.OpenSerial(cfg)
	}
}

func (c *SharedController) Info() Info {
	return Info{Vendor: "Keithley", Model: "6487", Transport: "serial", Address: c.Address}
}

// Connect opens the link and runs the picoammeter bring-up sequence. Calling
// it again after success is a no-op.
func (c *SharedController) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.closed {
		return transportErr("connect", transport.ErrClosed)
	}

	link, err := c.dial()
	if err != nil {
		return transportErr("open "+c.Address, err)
	}

	steps := []struct {
		cmd    string
		settle time.Duration
	}{
		{"*RST", 500 * time.Millisecond},
		{"*CLS", 500 * time.Millisecond},
		{"SENS:FUNC 'CURR'", 0},
		{"SENS:CURR:RANG 2E-5", 0},
		{"SENS:CURR:NPLC 1", 0},
		{"SYST:ZCH ON", 0},
		{"SYST:ZCOR ON", 0},
		{"SYST:ZCOR:ACQ", time.Second},
		{"SYST:ZCH OFF", 0},
	}
	for _, step := range steps {
		if err := link.WriteLine(step.cmd); err != nil {
			link.Close()
			return transportErr(step.cmd, err)
		}
		if step.settle > 0 {
			sleep(step.settle)
		}
	}

	c.link = link
	c.connected = true
	return nil
}

// Claim marks role as the owner if nobody owns the controller yet. It
// reports whether role now owns it.
func (c *SharedController) Claim(role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.External {
		return false
	}
	if c.owner == "" {
		c.owner = role
	}
	return c.owner == role
}

// Owner returns the claiming role, or "" when unclaimed.
func (c *SharedController) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// SendCommand writes one command.
func (c *SharedController) SendCommand(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if err := c.link.WriteLine(cmd); err != nil {
		return transportErr(cmd, err)
	}
	return nil
}

// Query writes cmd and returns the reply as one atomic exchange.
func (c *SharedController) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return "", ErrNotConnected
	}
	reply, err := c.link.Query(cmd)
	if err != nil {
		return "", transportErr(cmd, err)
	}
	return reply, nil
}

// ReadCurrent triggers a reading and returns the current in amperes.
func (c *SharedController) ReadCurrent() (float64, error) {
	reply, err := c.Query("READ?")
	if err != nil {
		return nan(), readErr("READ?", err)
	}
	v, err := scpi.ParseFirst(reply)
	if err != nil {
		return nan(), readErr("READ?", err)
	}
	return v, nil
}

// Close clears the instrument state and releases the link. Safe to call more
// than once.
func (c *SharedController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if !c.connected {
		return nil
	}
	c.connected = false

	_ = c.link.WriteLine("*CLS")
	if err := c.link.Close(); err != nil {
		return transportErr("close", err)
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *SharedController) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
