package transport

import (
	"errors"
	"strings"
	"time"
)

// DefaultTimeout bounds every read on a hardware link so a silent instrument
// surfaces as an error instead of a hang.
const DefaultTimeout = 5 * time.Second

var (
	// ErrTimeout is returned when an instrument does not answer in time.
	ErrTimeout = errors.New("transport: timeout")
	// ErrClosed is returned for operations on a closed link.
	ErrClosed = errors.New("transport: link closed")
)

// Link is a line-oriented SCPI channel to one instrument.
type Link interface {
	// WriteLine sends a single command. The terminator is appended by the link.
	WriteLine(cmd string) error
	// Query sends a command and returns the instrument's reply without the
	// trailing terminator.
	Query(cmd string) (string, error)
	Close() error
}

// trimReply strips the line terminators instruments append to responses.
func trimReply(s string) string {
	return strings.TrimRight(s, "\r\n")
}
