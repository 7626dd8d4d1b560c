// Package control holds the runtime control surface: the emergency-stop
// flag and the file watcher that mirrors an operator-edited control file
// into it.
package control

import (
	"sync"
	"sync/atomic"
)

// State is the process-wide runtime control state. The dispatcher checks
// EmergencyStopped at the top of every iteration; the ops endpoints and
// the file watcher both write the same flag.
type State struct {
	emergencyStop atomic.Bool

	mu        sync.RWMutex
	reason    string
	listeners []func(stopped bool, reason string)
}

// NewState returns a State with dispatching enabled.
func NewState() *State {
	return &State{}
}

// EmergencyStopped reports whether dispatching is suspended.
func (s *State) EmergencyStopped() bool {
	return s.emergencyStop.Load()
}

// Reason returns the operator-supplied reason for the current stop, empty
// when not stopped.
func (s *State) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// SetEmergencyStop flips the flag. Listeners fire only on an actual
// change, so repeated file-watch events stay quiet.
func (s *State) SetEmergencyStop(stopped bool, reason string) {
	changed := s.emergencyStop.Swap(stopped) != stopped

	s.mu.Lock()
	if stopped {
		s.reason = reason
	} else {
		s.reason = ""
	}
	listeners := make([]func(bool, string), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(stopped, reason)
	}
}

// OnChange registers a listener invoked on every flag transition.
func (s *State) OnChange(fn func(stopped bool, reason string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
