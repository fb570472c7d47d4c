// Package sizing adapts the processing batch size to backlog and CPU pressure.
package sizing

import "sync/atomic"

// State is the process-wide target batch size. The controller is its only
// writer; consumers read it without locking.
type State struct {
	value    atomic.Int64
	min, max int
}

// NewState returns a State bounded to [min, max] and initialised to min.
func NewState(min, max int) *State {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	s := &State{min: min, max: max}
	s.value.Store(int64(min))
	return s
}

// Load returns the current target.
func (s *State) Load() int { return int(s.value.Load()) }

// Store clamps n to the bounds, publishes it and returns the stored value.
func (s *State) Store(n int) int {
	n = clamp(n, s.min, s.max)
	s.value.Store(int64(n))
	return n
}

// Bounds returns the configured minimum and maximum.
func (s *State) Bounds() (min, max int) { return s.min, s.max }

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
