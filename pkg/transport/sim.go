package transport

import (
	"fmt"
	"sync"
)

// QueryHook lets tests emulate instrument replies.
type QueryHook func(cmd string) (string, error)

// SimLink is an in-memory Link useful for unit tests. It records every command
// it receives and answers queries through OnQuery or a fixed reply table.
type SimLink struct {
	// Replies maps a query to its canned answer when OnQuery is nil.
	Replies map[string]string
	OnQuery QueryHook
	// FailWrites makes every WriteLine return this error when set.
	FailWrites error

	mu       sync.Mutex
	commands []string
	closes   int
}

// NewSimLink constructs a simulator answering from replies.
func NewSimLink(replies map[string]string) *SimLink {
	return &SimLink{Replies: replies}
}

// Commands returns a copy of every command and query sent so far.
func (s *SimLink) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CloseCount reports how many times Close has been called.
func (s *SimLink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *SimLink) WriteLine(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return ErrClosed
	}
	s.commands = append(s.commands, cmd)
	return s.FailWrites
}

func (s *SimLink) Query(cmd string) (string, error) {
	s.mu.Lock()
	if s.closes > 0 {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.commands = append(s.commands, cmd)
	hook := s.OnQuery
	reply, ok := s.Replies[cmd]
	s.mu.Unlock()

	if hook != nil {
		return hook(cmd)
	}
	if !ok {
		return "", fmt.Errorf("%w: no reply for %q", ErrTimeout, cmd)
	}
	return reply, nil
}

func (s *SimLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}
