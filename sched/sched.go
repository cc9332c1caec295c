package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/hook"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

// SubmitFunc is the callback the scheduler fires due entries through.
// node.(*Node).SubmitRaw and task.(*Queue).SubmitRaw both satisfy it.
type SubmitFunc func(ctx context.Context, taskType string, payload []byte, opts ...task.Option) (*task.Task, error)

// Definition declares a recurring task.
type Definition struct {
	// Name uniquely identifies the schedule on this node.
	Name string

	// Schedule is a cron expression: standard 5-field, or a descriptor
	// like "@every 30s" or "@hourly".
	Schedule string

	// TaskType is the task fired on each tick.
	TaskType string

	// Payload is submitted with every firing.
	Payload []byte

	// Priority applies to every fired task.
	Priority int
}

// Entry is one registered schedule with its run bookkeeping.
type Entry struct {
	fabric.Entity

	ID        id.ScheduleID `json:"id"`
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	TaskType  string        `json:"task_type"`
	Payload   []byte        `json:"payload,omitempty"`
	Priority  int           `json:"priority,omitempty"`
	Enabled   bool          `json:"enabled"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt time.Time     `json:"next_run_at"`
}

// cronParser accepts standard 5-field expressions plus descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler runs schedules on a tick loop, submitting due entries
// through the SubmitFunc.
type Scheduler struct {
	submit SubmitFunc
	hooks  *hook.Registry
	logger *slog.Logger

	tickInterval time.Duration

	mu       sync.Mutex
	entries  map[string]*Entry
	parsed   map[string]cronlib.Schedule
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(h *hook.Registry) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithTickInterval sets how often due entries are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// New creates a scheduler firing into submit.
func New(submit SubmitFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		submit:       submit,
		logger:       slog.Default(),
		tickInterval: time.Second,
		entries:      make(map[string]*Entry),
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = hook.NewRegistry(s.logger)
	}
	return s
}

// Add registers a schedule. The cron expression is validated here;
// a bad expression never enters the tick loop.
func (s *Scheduler) Add(def Definition) (*Entry, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("schedule: name is required")
	}
	if def.TaskType == "" {
		return nil, fmt.Errorf("schedule %q: task type is required", def.Name)
	}
	schedule, err := ParseSchedule(def.Schedule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", def.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[def.Name]; exists {
		return nil, fabric.ErrDuplicateSchedule
	}

	entry := &Entry{
		Entity:    fabric.NewEntity(),
		ID:        id.NewScheduleID(),
		Name:      def.Name,
		Schedule:  def.Schedule,
		TaskType:  def.TaskType,
		Payload:   def.Payload,
		Priority:  def.Priority,
		Enabled:   true,
		NextRunAt: schedule.Next(time.Now().UTC()),
	}
	s.entries[def.Name] = entry
	s.parsed[def.Name] = schedule

	s.logger.Info("schedule added",
		slog.String("schedule", def.Name),
		slog.String("expr", def.Schedule),
		slog.String("task_type", def.TaskType),
		slog.Time("next_run", entry.NextRunAt),
	)
	cp := *entry
	return &cp, nil
}

// Remove deletes a schedule by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return fabric.ErrScheduleNotFound
	}
	delete(s.entries, name)
	delete(s.parsed, name)
	return nil
}

// Enable turns a schedule back on. Its next run is computed from now,
// not backfilled.
func (s *Scheduler) Enable(name string) error {
	return s.setEnabled(name, true)
}

// Disable stops a schedule from firing without removing it.
func (s *Scheduler) Disable(name string) error {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fabric.ErrScheduleNotFound
	}
	e.Enabled = enabled
	if enabled {
		e.NextRunAt = s.parsed[name].Next(time.Now().UTC())
	}
	e.Touch()
	return nil
}

// Get returns a snapshot of one schedule.
func (s *Scheduler) Get(name string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fabric.ErrScheduleNotFound
	}
	cp := *e
	return &cp, nil
}

// List returns snapshots of all schedules sorted by name.
func (s *Scheduler) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fabric.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop()
	return nil
}

// Stop halts the tick loop. Registered schedules stay queryable.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fireDue(context.Background(), time.Now().UTC())
		}
	}
}

// fireDue submits every enabled entry whose next run has passed. A
// submit failure logs and reschedules; the entry keeps its cadence.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	type firing struct {
		entry    Entry
		schedule cronlib.Schedule
	}

	s.mu.Lock()
	var due []firing
	for name, e := range s.entries {
		if e.Enabled && !e.NextRunAt.After(now) {
			due = append(due, firing{entry: *e, schedule: s.parsed[name]})
			last := now
			e.LastRunAt = &last
			e.NextRunAt = s.parsed[name].Next(now)
			e.Touch()
		}
	}
	s.mu.Unlock()

	for _, f := range due {
		var opts []task.Option
		if f.entry.Priority != 0 {
			opts = append(opts, task.WithPriority(f.entry.Priority))
		}
		t, err := s.submit(ctx, f.entry.TaskType, f.entry.Payload, opts...)
		if err != nil {
			s.logger.Warn("schedule firing failed",
				slog.String("schedule", f.entry.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.hooks.EmitScheduleFired(ctx, f.entry.Name, t.ID)
		s.logger.Debug("schedule fired",
			slog.String("schedule", f.entry.Name),
			slog.String("task_id", t.ID.String()),
		)
	}
}
