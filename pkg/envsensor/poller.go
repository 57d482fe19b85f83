package envsensor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reader exposes the most recent reading without blocking.
type Reader interface {
	Latest() Reading
}

// Unavailable is the Reader used when no sensor is configured.
type Unavailable struct{}

func (Unavailable) Latest() Reading { return Reading{} }

// Poller samples a Sensor on a fixed interval in the background so the
// sweep never waits on the I²C bus.
type Poller struct {
	sensor   Sensor
	interval time.Duration
	logger   *slog.Logger

	latest atomic.Pointer[Reading]
}

// NewPoller creates a poller; call Run to start sampling.
func NewPoller(sensor Sensor, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{sensor: sensor, interval: interval, logger: logger}
}

// Latest returns the last successful reading, or an invalid one if the most
// recent attempt failed.
func (p *Poller) Latest() Reading {
	if r := p.latest.Load(); r != nil {
		return *r
	}
	return Reading{}
}

// Poll takes one reading and stores the outcome.
func (p *Poller) Poll() {
	r, err := p.sensor.Read()
	if err != nil {
		p.logger.Debug("environment sensor read failed", "err", err)
		r = Reading{}
	}
	p.latest.Store(&r)
}

// Run polls until ctx is cancelled, then closes the sensor.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.sensor.Close()

	p.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}
