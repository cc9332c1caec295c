package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

// Entry is a snapshot of one task at the moment it went terminal.
// The embedded task is a clone; mutating it never touches the queue.
type Entry struct {
	ID         id.HistoryID `json:"id"`
	Task       *task.Task   `json:"task"`
	Reason     string       `json:"reason"`
	RecordedAt time.Time    `json:"recorded_at"`
	ReplayedAt *time.Time   `json:"replayed_at,omitempty"`
}

// ListOpts filters and paginates List results.
type ListOpts struct {
	// Limit caps the number of entries returned. Zero means no limit.
	Limit int
	// Offset skips entries from the front of the result.
	Offset int
	// TaskType restricts results to one task type when non-empty.
	TaskType string
}

// Store persists terminal-task entries. Implementations must be safe
// for concurrent use.
type Store interface {
	// Append records a new entry.
	Append(ctx context.Context, e *Entry) error
	// List returns entries matching opts, oldest first.
	List(ctx context.Context, opts ListOpts) ([]*Entry, error)
	// Get retrieves one entry by ID.
	Get(ctx context.Context, entryID id.HistoryID) (*Entry, error)
	// MarkReplayed stamps an entry's ReplayedAt.
	MarkReplayed(ctx context.Context, entryID id.HistoryID) error
	// Purge removes entries recorded before the given time and
	// returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}

// Recorder bridges a Store into the task queue's audit hook. Append
// failures are logged and dropped; auditing never blocks the queue.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

var _ task.Recorder = (*Recorder)(nil)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the structured logger.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder wraps a store for use with task.WithRecorder.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record snapshots a terminal task into the store.
func (r *Recorder) Record(ctx context.Context, t *task.Task, reason string) {
	entry := &Entry{
		ID:         id.NewHistoryID(),
		Task:       t,
		Reason:     reason,
		RecordedAt: time.Now().UTC(),
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Warn("history append failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// defaultMemoryLimit bounds the in-memory store when no option is given.
const defaultMemoryLimit = 1024
