package sweep

import (
	"context"
	"errors"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/suite"
)

// Handle is the caller's grip on a sweep running in the background.
type Handle struct {
	ctrl *Controller
	done chan struct{}

	result Result
	err    error
}

// Start validates cfg and runs the sweep on its own goroutine. On a
// validation error nothing is started and the caller keeps ownership of s;
// otherwise the sweep owns s and shuts it down when it ends.
func Start(ctx context.Context, cfg Config, s *suite.Suite, deps Deps) (*Handle, error) {
	ctrl, err := NewController(cfg, s, deps)
	if err != nil {
		return nil, err
	}
	h := &Handle{ctrl: ctrl, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.result, h.err = ctrl.Run(ctx)
	}()
	return h, nil
}

// RunID returns the identifier of the run.
func (h *Handle) RunID() string {
	if h == nil {
		return ""
	}
	return h.ctrl.info.ID
}

// RequestStop asks the sweep to wind down at its next poll point. It is
// idempotent and safe on a nil or finished handle.
func (h *Handle) RequestStop() {
	if h == nil {
		return
	}
	h.ctrl.RequestStop()
}

// ErrNoRun is returned by Wait on a nil handle.
var ErrNoRun = errors.New("sweep: no run started")

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done is closed once the sweep has terminated and cleaned up. A nil
// handle is already done.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		return closedDone
	}
	return h.done
}

// Wait blocks until the sweep ends and returns its result. On a nil handle
// it returns ErrNoRun immediately.
func (h *Handle) Wait() (Result, error) {
	if h == nil {
		return Result{}, ErrNoRun
	}
	<-h.done
	return h.result, h.err
}
