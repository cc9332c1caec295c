package task

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig defines per-type intake behaviour such as rate limiting
// and concurrency caps.
type LimitConfig struct {
	// Type is the task type the limit applies to.
	Type string

	// MaxConcurrency limits how many tasks of this type may run
	// simultaneously on the local node. Zero means no type-specific
	// limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained dispatches per second for this
	// type. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

type limitState struct {
	config  LimitConfig
	limiter *rate.Limiter
	active  int
}

// Limits controls per-type rate limiting and concurrency for task
// dispatch. The queue calls Acquire before handing out a task and
// Release when the attempt ends. Safe for concurrent use.
type Limits struct {
	mu    sync.Mutex
	types map[string]*limitState
}

// NewLimits creates a Limits manager with the given configurations.
// Types not listed have no limits.
func NewLimits(configs ...LimitConfig) *Limits {
	l := &Limits{
		types: make(map[string]*limitState, len(configs)),
	}
	for _, cfg := range configs {
		l.types[cfg.Type] = newLimitState(cfg)
	}
	return l
}

func newLimitState(cfg LimitConfig) *limitState {
	ls := &limitState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ls.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ls
}

// Acquire checks rate and concurrency limits for the task type. If the
// dispatch may proceed it increments the active counter and returns
// true. The caller MUST call Release when the attempt ends.
func (l *Limits) Acquire(taskType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls := l.types[taskType]
	if ls == nil {
		return true
	}
	if ls.limiter != nil && !ls.limiter.Allow() {
		return false
	}
	if ls.config.MaxConcurrency > 0 && ls.active >= ls.config.MaxConcurrency {
		return false
	}
	ls.active++
	return true
}

// Release decrements the active count for the task type.
func (l *Limits) Release(taskType string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ls := l.types[taskType]; ls != nil && ls.active > 0 {
		ls.active--
	}
}

// ActiveCount returns the current number of active tasks for a type.
func (l *Limits) ActiveCount(taskType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ls := l.types[taskType]; ls != nil {
		return ls.active
	}
	return 0
}
