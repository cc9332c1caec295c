package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

// SubmitFunc re-enqueues a replayed task. node.(*Node).SubmitRaw and
// task.(*Queue).SubmitRaw both satisfy it.
type SubmitFunc func(ctx context.Context, taskType string, payload []byte, opts ...task.Option) (*task.Task, error)

// Replayer re-submits failed, timed-out, or cancelled history entries
// as fresh tasks. The replay keeps the original type, payload,
// priority, timeout, and attempt budget but starts from zero attempts
// under a new task ID.
type Replayer struct {
	store  Store
	submit SubmitFunc
	logger *slog.Logger
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithReplayerLogger sets the structured logger.
func WithReplayerLogger(logger *slog.Logger) ReplayerOption {
	return func(r *Replayer) { r.logger = logger }
}

// NewReplayer creates a replayer over a store.
func NewReplayer(store Store, submit SubmitFunc, opts ...ReplayerOption) *Replayer {
	r := &Replayer{store: store, submit: submit, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay re-submits the entry's task and marks the entry replayed.
// Completed tasks are not replayable. A failed ReplayedAt stamp after
// a successful submit logs a warning but does not fail the replay.
func (r *Replayer) Replay(ctx context.Context, entryID id.HistoryID) (*task.Task, error) {
	entry, err := r.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	orig := entry.Task
	if orig.Status == task.StatusCompleted {
		return nil, fabric.ErrNotReplayable
	}

	var opts []task.Option
	if orig.Priority != 0 {
		opts = append(opts, task.WithPriority(orig.Priority))
	}
	if orig.MaxAttempts > 0 {
		opts = append(opts, task.WithMaxAttempts(orig.MaxAttempts))
	}
	if orig.Timeout > 0 {
		opts = append(opts, task.WithTimeout(orig.Timeout))
	}

	replayed, err := r.submit(ctx, orig.Type, orig.Payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("history: replay %s: %w", entryID, err)
	}

	if markErr := r.store.MarkReplayed(ctx, entryID); markErr != nil {
		r.logger.Warn("replay succeeded but entry was not marked",
			slog.String("entry_id", entryID.String()),
			slog.String("error", markErr.Error()),
		)
	}

	r.logger.Info("history entry replayed",
		slog.String("entry_id", entryID.String()),
		slog.String("original_task", orig.ID.String()),
		slog.String("new_task", replayed.ID.String()),
	)
	return replayed, nil
}
