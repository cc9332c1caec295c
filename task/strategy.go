package task

import (
	"slices"
	"sync"
)

// Strategy selects which pending task a requester receives next.
// Implementations receive the pending partition ordered by priority
// (descending) then age (ascending) and return the index of the chosen
// task, or -1 to decline.
type Strategy interface {
	Select(pending []*Task, requesterCaps []string) int
}

// RoundRobin cycles fairly across task types so no type starves another
// when the queue holds a mix. Within a type, priority order applies.
type RoundRobin struct {
	mu   sync.Mutex
	last string
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select picks the highest-priority task of the next type after the
// previously served one, wrapping around alphabetical-insertion order.
func (s *RoundRobin) Select(pending []*Task, _ []string) int {
	if len(pending) == 0 {
		return -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect the distinct types in first-seen order.
	var types []string
	for _, t := range pending {
		if !slices.Contains(types, t.Type) {
			types = append(types, t.Type)
		}
	}

	// Start after the last served type.
	start := 0
	if idx := slices.Index(types, s.last); idx >= 0 {
		start = (idx + 1) % len(types)
	}

	chosen := types[start]
	s.last = chosen

	for i, t := range pending {
		if t.Type == chosen {
			return i
		}
	}
	return -1
}

// CapabilityMatch hands out only tasks whose type is among the
// requester's capabilities, so specialized workers receive specialized
// work. An empty capability list matches every task.
type CapabilityMatch struct{}

// NewCapabilityMatch creates a capability-specialized strategy.
func NewCapabilityMatch() *CapabilityMatch {
	return &CapabilityMatch{}
}

// Select returns the first (highest-priority, oldest) pending task the
// requester is capable of executing.
func (s *CapabilityMatch) Select(pending []*Task, requesterCaps []string) int {
	for i, t := range pending {
		if len(requesterCaps) == 0 || slices.Contains(requesterCaps, t.Type) {
			return i
		}
	}
	return -1
}

// Delegate always declines: scheduling is resolved by the coordinator's
// assignment algorithm, not by the queue itself. Workers configured
// with this strategy never self-serve from their local queue.
type Delegate struct{}

// NewDelegate creates a delegate-to-coordinator strategy.
func NewDelegate() *Delegate {
	return &Delegate{}
}

// Select declines every task.
func (s *Delegate) Select(_ []*Task, _ []string) int {
	return -1
}
