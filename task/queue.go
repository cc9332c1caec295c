package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
)

// Recorder receives terminal task snapshots for post-hoc auditing.
// Implemented by history.Recorder; the queue only ever appends.
type Recorder interface {
	Record(ctx context.Context, t *Task, reason string)
}

// Queue is the in-memory, per-node task queue. A task occupies exactly
// one partition at a time: pending, running, or the bounded terminal
// history. The queue is owned by the node that created it; peers
// interact with it only through that node's messages.
type Queue struct {
	mu      sync.Mutex
	tasks   map[string]*Task // every non-evicted task by ID
	pending []*Task          // priority DESC, CreatedAt ASC
	history []*Task          // terminal tasks, oldest first

	strategy     Strategy
	limits       *Limits
	recorder     Recorder
	historyLimit int
	sweep        time.Duration
	logger       *slog.Logger

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy sets the scheduling strategy used by Next.
func WithStrategy(s Strategy) QueueOption {
	return func(q *Queue) { q.strategy = s }
}

// WithLimits sets the per-type rate/concurrency limits manager.
func WithLimits(l *Limits) QueueOption {
	return func(q *Queue) { q.limits = l }
}

// WithRecorder attaches an audit recorder for terminal tasks.
func WithRecorder(r Recorder) QueueOption {
	return func(q *Queue) { q.recorder = r }
}

// WithHistoryLimit bounds the in-memory terminal history ring.
func WithHistoryLimit(n int) QueueOption {
	return func(q *Queue) { q.historyLimit = n }
}

// WithSweepInterval sets the timeout sweep period.
func WithSweepInterval(d time.Duration) QueueOption {
	return func(q *Queue) { q.sweep = d }
}

// WithQueueLogger sets the structured logger for the queue.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a task queue. Call Start to launch the timeout sweep
// and Close on shutdown.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		tasks:        make(map[string]*Task),
		strategy:     NewRoundRobin(),
		historyLimit: 1000,
		sweep:        time.Second,
		logger:       slog.Default(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the background timeout sweep. The sweep runs on a
// fixed interval independent of request activity.
func (q *Queue) Start(_ context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fabric.ErrQueueClosed
	}
	q.mu.Unlock()

	q.wg.Add(1)
	go q.sweepLoop()
	return nil
}

// Close stops the sweep and cancels every pending task. Running tasks
// are left to their in-flight attempt; closure does not abort them.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stopCh)

	now := time.Now().UTC()
	for _, t := range q.pending {
		t.Status = StatusCancelled
		t.CompletedAt = &now
		t.Touch()
		q.retire(t, "queue closed")
	}
	q.pending = nil
	q.mu.Unlock()

	q.wg.Wait()
}

// Submit creates and enqueues a typed task payload.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Submit[T any](ctx context.Context, q *Queue, taskType string, payload T, opts ...Option) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for task %q: %w", taskType, err)
	}
	return q.SubmitRaw(ctx, taskType, data, opts...)
}

// SubmitRaw enqueues a task with a pre-serialized payload.
func (q *Queue) SubmitRaw(_ context.Context, taskType string, payload []byte, opts ...Option) (*Task, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	t := &Task{
		Entity:      fabric.NewEntity(),
		ID:          id.NewTaskID(),
		Type:        taskType,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		Timeout:     o.Timeout,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fabric.ErrQueueClosed
	}

	q.tasks[t.ID.String()] = t
	q.insertPending(t)

	q.logger.Debug("task submitted",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", t.Type),
		slog.Int("priority", t.Priority),
	)
	return t.Clone(), nil
}

// Next pops one pending task using the configured strategy, marks it
// running, and records the assignee. Returns false when the strategy
// declines or nothing is pending. AssignedNodeID is set exactly once
// per attempt; a retry clears it before the task re-enters pending.
func (q *Queue) Next(assignee id.NodeID, requesterCaps []string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		return nil, false
	}

	idx := q.strategy.Select(q.pending, requesterCaps)
	if idx < 0 || idx >= len(q.pending) {
		return nil, false
	}

	t := q.pending[idx]
	if q.limits != nil && !q.limits.Acquire(t.Type) {
		return nil, false
	}

	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)

	now := time.Now().UTC()
	t.Status = StatusRunning
	t.StartedAt = &now
	t.AssignedNodeID = assignee
	t.Touch()

	return t.Clone(), true
}

// Complete marks a running task completed with its result. Completing
// an already-completed task is a no-op: the stored result and counters
// are not mutated.
func (q *Queue) Complete(_ context.Context, taskID id.TaskID, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID.String()]
	if !ok {
		return fabric.ErrTaskNotFound
	}

	if t.Status == StatusCompleted {
		return nil // idempotent
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: complete on %s task", fabric.ErrInvalidState, t.Status)
	}

	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = &now
	t.Touch()
	q.releaseLimit(t)
	q.retire(t, "completed")

	return nil
}

// Fail records a failed attempt. While attempts remain, the task is
// reset to pending with Attempts incremented; otherwise it becomes
// terminally failed carrying the last error message.
func (q *Queue) Fail(_ context.Context, taskID id.TaskID, taskErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID.String()]
	if !ok {
		return fabric.ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return nil
	}

	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	q.releaseLimit(t)
	q.retryOrRetire(t, StatusFailed, msg)
	return nil
}

// UpdateProgress stores a partial result on a running task without
// changing its status.
func (q *Queue) UpdateProgress(_ context.Context, taskID id.TaskID, partial []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID.String()]
	if !ok {
		return fabric.ErrTaskNotFound
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: progress on %s task", fabric.ErrInvalidState, t.Status)
	}

	t.Result = partial
	t.Touch()
	return nil
}

// Requeue puts one running task back into the pending partition
// without consuming an attempt. The coordinator uses it when handing
// an assignment to a peer fails before the peer ever saw the task;
// the peer's other running tasks are untouched.
func (q *Queue) Requeue(taskID id.TaskID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID.String()]
	if !ok {
		return fabric.ErrTaskNotFound
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: requeue on %s task", fabric.ErrInvalidState, t.Status)
	}

	q.releaseLimit(t)
	t.Status = StatusPending
	t.StartedAt = nil
	t.AssignedNodeID = id.Nil
	t.Touch()
	q.insertPending(t)
	return nil
}

// Reassign resets every running task assigned to nodeID back to
// pending. This is the failover path taken when a coordinator evicts a
// stale peer; it does not consume an attempt. Returns the reset tasks.
func (q *Queue) Reassign(nodeID id.NodeID) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reset []*Task
	for _, t := range q.tasks {
		if t.Status != StatusRunning || t.AssignedNodeID.String() != nodeID.String() {
			continue
		}
		q.releaseLimit(t)
		t.Status = StatusPending
		t.StartedAt = nil
		t.AssignedNodeID = id.Nil
		t.Touch()
		q.insertPending(t)
		reset = append(reset, t.Clone())

		q.logger.Info("task reassigned after peer loss",
			slog.String("task_id", t.ID.String()),
			slog.String("lost_node", nodeID.String()),
		)
	}
	return reset
}

// Get returns a copy of the task, including retired history entries.
func (q *Queue) Get(taskID id.TaskID) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.tasks[taskID.String()]; ok {
		return t.Clone(), nil
	}
	for _, t := range q.history {
		if t.ID.String() == taskID.String() {
			return t.Clone(), nil
		}
	}
	return nil, fabric.ErrTaskNotFound
}

// Counters returns the queue's current partition occupancy. Failed
// counts every terminal non-success in history (failed, timeout,
// cancelled are distinguishable via History).
func (q *Queue) Counters() fabric.TaskCounters {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := fabric.TaskCounters{Pending: len(q.pending)}
	for _, t := range q.tasks {
		if t.Status == StatusRunning {
			c.Running++
		}
	}
	for _, t := range q.history {
		switch t.Status {
		case StatusCompleted:
			c.Completed++
		case StatusFailed, StatusTimeout:
			c.Failed++
		}
	}
	return c
}

// Running returns copies of all currently running tasks.
func (q *Queue) Running() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Task
	for _, t := range q.tasks {
		if t.Status == StatusRunning {
			out = append(out, t.Clone())
		}
	}
	return out
}

// History returns copies of retained terminal tasks, oldest first.
func (q *Queue) History() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Task, len(q.history))
	for i, t := range q.history {
		out[i] = t.Clone()
	}
	return out
}

// ──────────────────────────────────────────────────
// Timeout sweep
// ──────────────────────────────────────────────────

func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepTimeouts()
		}
	}
}

// sweepTimeouts converts running tasks whose attempt exceeded its
// deadline into timeouts, applying the same retry-or-terminal rule as
// explicit failure.
func (q *Queue) sweepTimeouts() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	for _, t := range q.tasks {
		if t.Status != StatusRunning || t.Timeout <= 0 || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) <= t.Timeout {
			continue
		}

		q.logger.Warn("task attempt timed out",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", t.Type),
			slog.Duration("timeout", t.Timeout),
			slog.Int("attempt", t.Attempts+1),
		)
		q.releaseLimit(t)
		q.retryOrRetire(t, StatusTimeout, "attempt deadline exceeded")
	}
}

// ──────────────────────────────────────────────────
// Internal transitions (mu held)
// ──────────────────────────────────────────────────

// retryOrRetire applies the shared failure rule: increment Attempts,
// re-enter pending while attempts remain, otherwise retire terminally
// with the given status.
func (q *Queue) retryOrRetire(t *Task, terminal Status, msg string) {
	t.Attempts++
	t.Error = msg

	if t.Attempts < t.MaxAttempts {
		t.Status = StatusPending
		t.StartedAt = nil
		t.AssignedNodeID = id.Nil
		t.Touch()
		q.insertPending(t)

		q.logger.Info("task retrying",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", t.Type),
			slog.Int("attempt", t.Attempts),
			slog.Int("max_attempts", t.MaxAttempts),
		)
		return
	}

	now := time.Now().UTC()
	t.Status = terminal
	t.CompletedAt = &now
	t.Touch()
	q.retire(t, msg)

	q.logger.Warn("task exhausted attempts",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", t.Type),
		slog.String("status", string(terminal)),
		slog.String("error", msg),
	)
}

// retire moves a terminal task into the bounded history ring, evicting
// the oldest entry when full, and mirrors it to the recorder.
func (q *Queue) retire(t *Task, reason string) {
	delete(q.tasks, t.ID.String())
	q.history = append(q.history, t)
	if q.historyLimit > 0 && len(q.history) > q.historyLimit {
		q.history = q.history[len(q.history)-q.historyLimit:]
	}
	if q.recorder != nil {
		q.recorder.Record(context.Background(), t.Clone(), reason)
	}
}

// insertPending places a task into the pending partition keeping
// priority DESC, CreatedAt ASC order.
func (q *Queue) insertPending(t *Task) {
	idx := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.Priority != t.Priority {
			return p.Priority < t.Priority
		}
		return p.CreatedAt.After(t.CreatedAt)
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = t
}

func (q *Queue) releaseLimit(t *Task) {
	if q.limits != nil && t.Status == StatusRunning {
		q.limits.Release(t.Type)
	}
}
