// Package lifecycle provides the small startup/shutdown substrate shared by
// the quota and bandwidth subsystems: a handful of observable booleans plus
// a cancellation token that fires when shutdown begins.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

// ShutdownError is returned by Guard when an operation is attempted after
// a component has started shutting down.
type ShutdownError struct {
	Name string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("component %q is shut down", e.Name)
}

// AlreadyShutdownError is returned when Shutdown is called a second time on
// a single-use component.
type AlreadyShutdownError struct {
	Name string
}

func (e *AlreadyShutdownError) Error() string {
	return fmt.Sprintf("component %q was already shut down", e.Name)
}

// State is the lifecycle skeleton embedded by long-lived components. It
// tracks the four observable booleans named by the spec and exposes a
// cancellation token that fires exactly once, when shutdown begins.
//
// RefCounted components support multiple Startup/Shutdown pairs: only the
// first Startup call runs init, and only the last matching Shutdown call
// runs teardown. Single-use components reject a second Shutdown; a second
// Startup returns the first call's result without running init again.
type State struct {
	name       string
	refCounted bool

	mu                sync.Mutex
	refs              int
	startupStarted    bool
	startupCompleted  bool
	startupErr        error
	shutdownStarted   bool
	shutdownCompleted bool
	shutdownErr       error

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New returns a lifecycle State for a component named name. refCounted
// controls whether repeated Startup/Shutdown calls are tolerated.
func New(name string, refCounted bool) *State {
	ctx, cancel := context.WithCancel(context.Background())
	return &State{
		name:           name,
		refCounted:     refCounted,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Name returns the component's name, used in ShutdownError messages.
func (s *State) Name() string { return s.name }

// ShutdownStartedToken returns a context that is canceled exactly when
// shutdown begins. Long-running operations should select on Done() to
// abandon work in flight.
func (s *State) ShutdownStartedToken() context.Context {
	return s.shutdownCtx
}

// Guard returns a *ShutdownError naming the component if shutdown has
// already started, nil otherwise. Operations should call this before doing any work.
func (s *State) Guard() error {
	s.mu.Lock()
	started := s.shutdownStarted
	s.mu.Unlock()
	if started {
		return &ShutdownError{Name: s.name}
	}
	return nil
}

// Startup runs init exactly once (on the first call for a ref-counted
// component, or on the only call for a single-use one). Later callers of
// either kind observe the same startupErr without re-running init.
func (s *State) Startup(init func() error) error {
	s.mu.Lock()
	if s.refCounted {
		s.refs++
	}
	if s.startupStarted {
		err := s.startupErr
		s.mu.Unlock()
		return err
	}
	s.startupStarted = true
	s.mu.Unlock()

	err := init()

	s.mu.Lock()
	s.startupErr = err
	s.startupCompleted = true
	s.mu.Unlock()

	return err
}

// Shutdown fires the shutdown-started token, then (for a ref-counted
// component, only once the last reference is released) runs teardown.
// A second Shutdown call on a single-use component returns
// AlreadyShutdownError.
func (s *State) Shutdown(teardown func() error) error {
	s.mu.Lock()
	if s.shutdownStarted && !s.refCounted {
		s.mu.Unlock()
		return &AlreadyShutdownError{Name: s.name}
	}

	firstCall := !s.shutdownStarted
	s.shutdownStarted = true
	if firstCall {
		s.shutdownCancel()
	}

	if s.refCounted {
		s.refs--
		if s.refs > 0 {
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Unlock()

	err := teardown()

	s.mu.Lock()
	s.shutdownErr = err
	s.shutdownCompleted = true
	s.mu.Unlock()

	return err
}

// Started reports whether shutdown has begun.
func (s *State) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownStarted
}

// Completed reports whether shutdown has finished.
func (s *State) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownCompleted
}
