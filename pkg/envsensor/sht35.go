// Package envsensor reads ambient temperature and humidity next to the DUT.
package envsensor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// SHT35 defaults
const (
	DefaultAddress = 0x44

	// Single shot, high repeatability, clock stretching disabled.
	cmdMeasureHigh0 = 0x24
	cmdMeasureHigh1 = 0x00
	measureDelay    = 15 * time.Millisecond
)

// ErrCRC is returned when a measurement word fails its checksum.
var ErrCRC = errors.New("envsensor: CRC mismatch")

// Reading is one environment sample. Valid is false when no sensor is
// configured or the last read failed.
type Reading struct {
	Temperature float64 // °C
	Humidity    float64 // %RH
	Valid       bool
	Time        time.Time
}

// Sensor produces readings on demand.
type Sensor interface {
	Read() (Reading, error)
	Close() error
}

// txer is the part of i2c.Dev the driver uses.
type txer interface {
	Tx(w, r []byte) error
}

// SHT35 drives a Sensirion SHT3x over I²C.
type SHT35 struct {
	dev   txer
	bus   i2c.BusCloser
	sleep func(time.Duration)
	now   func() time.Time

	mu sync.Mutex
}

// OpenSHT35 initializes the host drivers and opens the sensor on busName
// ("" selects the first bus).
func OpenSHT35(busName string, addr uint16) (*SHT35, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host drivers: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open I2C bus %q: %w", busName, err)
	}
	if addr == 0 {
		addr = DefaultAddress
	}

	s := newSHT35(&i2c.Dev{Bus: bus, Addr: addr})
	s.bus = bus
	return s, nil
}

func newSHT35(dev txer) *SHT35 {
	return &SHT35{dev: dev, sleep: time.Sleep, now: time.Now}
}

// Read triggers a single-shot measurement and converts it.
func (s *SHT35) Read() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dev.Tx([]byte{cmdMeasureHigh0, cmdMeasureHigh1}, nil); err != nil {
		return Reading{}, fmt.Errorf("trigger measurement: %w", err)
	}
	s.sleep(measureDelay)

	buf := make([]byte, 6)
	if err := s.dev.Tx(nil, buf); err != nil {
		return Reading{}, fmt.Errorf("read measurement: %w", err)
	}
	return decode(buf, s.now())
}

// Close releases the bus.
func (s *SHT35) Close() error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Close()
}

func decode(buf []byte, at time.Time) (Reading, error) {
	if len(buf) != 6 {
		return Reading{}, fmt.Errorf("envsensor: expected 6 bytes, got %d", len(buf))
	}
	if crc8(buf[0:2]) != buf[2] {
		return Reading{}, fmt.Errorf("%w: temperature word", ErrCRC)
	}
	if crc8(buf[3:5]) != buf[5] {
		return Reading{}, fmt.Errorf("%w: humidity word", ErrCRC)
	}

	rawT := float64(uint16(buf[0])<<8 | uint16(buf[1]))
	rawRH := float64(uint16(buf[3])<<8 | uint16(buf[4]))

	return Reading{
		Temperature: round2(-45 + 175*rawT/65535),
		Humidity:    round2(100 * rawRH / 65535),
		Valid:       true,
		Time:        at,
	}, nil
}

// crc8 is the Sensirion checksum: polynomial 0x31, init 0xFF.
func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
