package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber is one consumer of the broker, typically backing a single
// wire session watching fabric topics (a task, the tasks aggregate, or
// the firehose). Delivery is credit-windowed: each delivered event
// spends one credit, and once the window is empty the broker skips the
// subscriber until the consumer replenishes it. A slow consumer
// therefore sheds events instead of stalling the coordinator's
// lifecycle hooks.
type Subscriber struct {
	id     string
	events chan *Event

	mu      sync.Mutex
	credits int64
	topics  map[string]struct{}
	keep    func(*Event) bool

	done atomic.Bool
}

// NewSubscriber creates a subscriber whose channel buffers up to
// buffer events and whose credit window starts at credits.
func NewSubscriber(id string, buffer int, credits int64) *Subscriber {
	return &Subscriber{
		id:      id,
		events:  make(chan *Event, buffer),
		credits: credits,
		topics:  make(map[string]struct{}),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the channel events are delivered on. It is closed when the
// subscriber is removed from the broker.
func (s *Subscriber) C() <-chan *Event { return s.events }

// AddCredits widens the credit window by n.
func (s *Subscriber) AddCredits(n int64) {
	s.mu.Lock()
	s.credits += n
	s.mu.Unlock()
}

// Credits returns the remaining credit window.
func (s *Subscriber) Credits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits
}

// SetFilter installs a predicate; events it rejects are not delivered
// and spend no credits.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	s.mu.Lock()
	s.keep = fn
	s.mu.Unlock()
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns the topic names the subscriber is currently on.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	return out
}

// send offers one event and reports whether it was delivered. An event
// is dropped when the subscriber is closed, the filter rejects it, the
// credit window is empty, or the channel buffer is full. A drop for a
// full buffer does not spend the credit.
func (s *Subscriber) send(evt *Event) bool {
	if s.done.Load() {
		return false
	}

	s.mu.Lock()
	if s.keep != nil && !s.keep(evt) {
		s.mu.Unlock()
		return false
	}
	if s.credits <= 0 {
		s.mu.Unlock()
		return false
	}
	s.credits--
	s.mu.Unlock()

	select {
	case s.events <- evt:
		return true
	default:
		s.mu.Lock()
		s.credits++
		s.mu.Unlock()
		return false
	}
}

// Close closes the event channel. Safe to call more than once.
func (s *Subscriber) Close() {
	if s.done.CompareAndSwap(false, true) {
		close(s.events)
	}
}
