package repository

import (
	"errors"
	"fmt"
	"slices"
)

// Common errors for capacity state operations
var (
	ErrInvariant    = errors.New("visitor invariant violated")
	ErrCorruptState = errors.New("corrupt capacity state")
)

// State is the shared occupancy of the park.
type State struct {
	Capacity int   `json:"capacity"`
	Visitors []int `json:"visitors"`
}

// NewState creates an empty state with the given capacity.
func NewState(capacity int) *State {
	return &State{
		Capacity: capacity,
		Visitors: []int{},
	}
}

// Enter admits a visitor.
// Fails with ErrInvariant if the visitor is already inside or the park is full.
func (s *State) Enter(visitorID int) error {
	if s.Contains(visitorID) {
		return fmt.Errorf("%w: visitor %d is already inside", ErrInvariant, visitorID)
	}
	if len(s.Visitors) >= s.Capacity {
		return fmt.Errorf("%w: capacity %d exhausted", ErrInvariant, s.Capacity)
	}

	s.Visitors = append(s.Visitors, visitorID)
	return nil
}

// Leave removes a visitor. Fails with ErrInvariant if the visitor is not inside.
func (s *State) Leave(visitorID int) error {
	i := slices.Index(s.Visitors, visitorID)
	if i < 0 {
		return fmt.Errorf("%w: visitor %d is not inside", ErrInvariant, visitorID)
	}

	s.Visitors = slices.Delete(s.Visitors, i, i+1)
	return nil
}

// Contains reports whether the visitor is inside.
func (s *State) Contains(visitorID int) bool {
	return slices.Contains(s.Visitors, visitorID)
}

// Occupancy returns the number of visitors inside.
func (s *State) Occupancy() int {
	return len(s.Visitors)
}

// Validate checks the state invariants.
func (s *State) Validate() error {
	if s.Capacity < 0 {
		return fmt.Errorf("%w: negative capacity %d", ErrCorruptState, s.Capacity)
	}
	if len(s.Visitors) > s.Capacity {
		return fmt.Errorf("%w: %d visitors exceed capacity %d", ErrCorruptState, len(s.Visitors), s.Capacity)
	}

	seen := make(map[int]bool, len(s.Visitors))
	for _, id := range s.Visitors {
		if seen[id] {
			return fmt.Errorf("%w: duplicate visitor %d", ErrCorruptState, id)
		}
		seen[id] = true
	}
	return nil
}
