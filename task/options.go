package task

import "time"

// Options carries per-task submission parameters.
type Options struct {
	Priority    int
	MaxAttempts int
	Timeout     time.Duration
}

// Option configures task submission.
type Option func(*Options)

// DefaultOptions returns the standard submission parameters: priority 0,
// three attempts, no execution deadline.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3}
}

// WithPriority sets the task priority. Higher runs first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxAttempts sets how many execution attempts the task gets before
// it becomes terminally failed.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithTimeout sets the per-attempt execution deadline. The queue's
// background sweep converts overdue running tasks to timeout status.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
