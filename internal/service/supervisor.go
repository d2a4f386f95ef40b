package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/logger"
)

// WorkFunc is a long-running unit of work. It should return only when ctx
// is done; any other return is treated as a failure and restarts the work.
type WorkFunc func(ctx context.Context) error

// PanicError wraps a value recovered from a panicking worker
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Supervisor keeps a worker running until its context is cancelled,
// restarting it after a delay whenever it panics or returns early.
type Supervisor struct {
	name         string
	restartDelay time.Duration
	logger       *logger.Logger
	onRestart    func(name string, err error)
	restarts     atomic.Int64
}

// NewSupervisor creates a supervisor for the named worker
func NewSupervisor(name string, restartDelay time.Duration, log *logger.Logger) *Supervisor {
	return &Supervisor{
		name:         name,
		restartDelay: restartDelay,
		logger:       log,
	}
}

// OnRestart registers a callback invoked before each restart
func (s *Supervisor) OnRestart(fn func(name string, err error)) {
	s.onRestart = fn
}

// Restarts returns how many times the worker has been restarted
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Run executes work until ctx is cancelled. It always returns nil so that a
// failing worker never cancels sibling workers in an errgroup.
func (s *Supervisor) Run(ctx context.Context, work WorkFunc) error {
	for {
		err := s.runOnce(ctx, work)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("worker %s exited unexpectedly", s.name)
		}

		var stack []byte
		if pe, ok := err.(*PanicError); ok {
			stack = pe.Stack
		}
		s.logger.Error("Worker failed, restarting",
			"worker", s.name,
			"error", err,
			"restart_in", s.restartDelay,
			"stack", string(stack),
		)

		s.restarts.Add(1)
		if s.onRestart != nil {
			s.onRestart(s.name, err)
		}

		timer := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, work WorkFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return work(ctx)
}
