package transport

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes an RS-232 instrument connection.
type SerialConfig struct {
	Port     string
	BaudRate int
	// Timeout bounds how long Query waits for a complete reply line.
	Timeout time.Duration
	// WriteDelay is slept after every command; older Keithley front ends drop
	// characters when commands arrive back to back.
	WriteDelay time.Duration
	// Terminator is appended to every command. Defaults to "\r".
	Terminator string
}

func (c *SerialConfig) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Terminator == "" {
		c.Terminator = "\r"
	}
}

// serialPort is the subset of serial.Port the link needs.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Serial is a Link over an RS-232 port.
type Serial struct {
	cfg  SerialConfig
	port serialPort

	sleep func(time.Duration)
	now   func() time.Time

	mu sync.Mutex
}

// OpenSerial opens the configured port (8N1).
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	cfg.applyDefaults()

	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}

	return newSerial(cfg, port)
}

func newSerial(cfg SerialConfig, port serialPort) (*Serial, error) {
	cfg.applyDefaults()

	// Short poll interval; Query enforces the overall deadline.
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return &Serial{
		cfg:   cfg,
		port:  port,
		sleep: time.Sleep,
		now:   time.Now,
	}, nil
}

// WriteLine sends cmd followed by the terminator.
func (s *Serial) WriteLine(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cmd)
}

// Query flushes stale input, sends cmd and reads one reply line.
func (s *Serial) Query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return "", ErrClosed
	}
	if err := s.port.ResetInputBuffer(); err != nil {
		return "", fmt.Errorf("flush input: %w", err)
	}
	if err := s.write(cmd); err != nil {
		return "", err
	}
	return s.readLine()
}

func (s *Serial) write(cmd string) error {
	if s.port == nil {
		return ErrClosed
	}
	if _, err := s.port.Write([]byte(cmd + s.cfg.Terminator)); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	if s.cfg.WriteDelay > 0 {
		s.sleep(s.cfg.WriteDelay)
	}
	return nil
}

func (s *Serial) readLine() (string, error) {
	deadline := s.now().Add(s.cfg.Timeout)
	var line []byte
	buf := make([]byte, 64)

	for {
		n, err := s.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("serial read failed: %w", err)
		}
		line = append(line, buf[:n]...)
		if i := bytes.IndexAny(line, "\r\n"); i >= 0 {
			return string(line[:i]), nil
		}
		if s.now().After(deadline) {
			return "", fmt.Errorf("%w after %s (partial %q)", ErrTimeout, s.cfg.Timeout, line)
		}
	}
}

// Close releases the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
