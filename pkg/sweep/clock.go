package sweep

import (
	"sync/atomic"
	"time"
)

// Clock is the time source of the controller. Tests use a fake clock whose
// Sleep advances Now.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// StopSignal is a one-way flag the controller polls at the top of every
// ramp increment and sampling tick.
type StopSignal struct {
	set atomic.Bool
}

// Set raises the flag. Safe to call any number of times from any goroutine.
func (s *StopSignal) Set() { s.set.Store(true) }

// IsSet reports whether the flag has been raised.
func (s *StopSignal) IsSet() bool { return s.set.Load() }
