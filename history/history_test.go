package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func failedEntry(taskType string) *Entry {
	return &Entry{
		ID: id.NewHistoryID(),
		Task: &task.Task{
			ID:          id.NewTaskID(),
			Type:        taskType,
			Payload:     []byte(`{"n":1}`),
			Status:      task.StatusFailed,
			Priority:    3,
			MaxAttempts: 5,
			Timeout:     time.Minute,
			Error:       "boom",
		},
		Reason:     "max attempts exceeded",
		RecordedAt: time.Now().UTC(),
	}
}

func TestMemoryAppendAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	e := failedEntry("render")
	if err := m.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := m.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Task.Type != "render" || got.Reason != "max attempts exceeded" {
		t.Errorf("Get = %+v", got)
	}

	if _, err := m.Get(ctx, id.NewHistoryID()); !errors.Is(err, fabric.ErrHistoryNotFound) {
		t.Errorf("Get(unknown): err = %v, want ErrHistoryNotFound", err)
	}
}

func TestMemoryEvictsOldestAtBound(t *testing.T) {
	m := NewMemory(WithLimit(3))
	ctx := context.Background()

	first := failedEntry("render")
	m.Append(ctx, first)
	for i := 0; i < 3; i++ {
		m.Append(ctx, failedEntry("render"))
	}

	if n, _ := m.Count(ctx); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
	if _, err := m.Get(ctx, first.ID); !errors.Is(err, fabric.ErrHistoryNotFound) {
		t.Errorf("oldest entry survived eviction: err = %v", err)
	}
}

func TestMemoryListFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Append(ctx, failedEntry("render"))
	}
	m.Append(ctx, failedEntry("transcode"))

	byType, err := m.List(ctx, ListOpts{TaskType: "transcode"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byType) != 1 {
		t.Errorf("List(transcode) = %d entries, want 1", len(byType))
	}

	paged, _ := m.List(ctx, ListOpts{Offset: 1, Limit: 2})
	if len(paged) != 2 {
		t.Errorf("List(offset 1, limit 2) = %d entries, want 2", len(paged))
	}

	past, _ := m.List(ctx, ListOpts{Offset: 10})
	if len(past) != 0 {
		t.Errorf("List past the end = %d entries, want 0", len(past))
	}
}

func TestMemoryPurge(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	old := failedEntry("render")
	old.RecordedAt = time.Now().UTC().Add(-time.Hour)
	m.Append(ctx, old)
	m.Append(ctx, failedEntry("render"))

	purged, err := m.Purge(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("Purge = %d, want 1", purged)
	}
	if n, _ := m.Count(ctx); n != 1 {
		t.Errorf("Count after purge = %d, want 1", n)
	}
	if _, err := m.Get(ctx, old.ID); !errors.Is(err, fabric.ErrHistoryNotFound) {
		t.Errorf("purged entry still present: err = %v", err)
	}
}

// The recorder receives the snapshot from a real queue when a task
// exhausts its attempts.
func TestRecorderCapturesQueueTerminal(t *testing.T) {
	store := NewMemory()
	q := task.NewQueue(
		task.WithQueueLogger(quietLogger()),
		task.WithRecorder(NewRecorder(store, WithRecorderLogger(quietLogger()))),
	)
	defer q.Close()

	ctx := context.Background()
	submitted, err := q.SubmitRaw(ctx, "render", []byte(`{}`), task.WithMaxAttempts(1))
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	assignee := id.NewNodeID()
	if _, ok := q.Next(assignee, nil); !ok {
		t.Fatal("Next returned no task")
	}
	if err := q.Fail(ctx, submitted.ID, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	entries, _ := store.List(ctx, ListOpts{})
	if len(entries) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Task.ID != submitted.ID {
		t.Errorf("recorded task %s, want %s", e.Task.ID, submitted.ID)
	}
	if e.Task.Status != task.StatusFailed {
		t.Errorf("recorded status %s, want failed", e.Task.Status)
	}
	if e.Reason == "" {
		t.Error("recorded entry has no reason")
	}
}

type captureSubmit struct {
	types []string
	opts  []task.Options
	fail  bool
}

func (c *captureSubmit) submit(_ context.Context, taskType string, payload []byte, opts ...task.Option) (*task.Task, error) {
	if c.fail {
		return nil, errors.New("queue closed")
	}
	var o task.Options
	for _, opt := range opts {
		opt(&o)
	}
	c.types = append(c.types, taskType)
	c.opts = append(c.opts, o)
	return &task.Task{ID: id.NewTaskID(), Type: taskType, Payload: payload, Status: task.StatusPending}, nil
}

func TestReplayResubmitsWithOriginalBudget(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	e := failedEntry("render")
	store.Append(ctx, e)

	c := &captureSubmit{}
	r := NewReplayer(store, c.submit, WithReplayerLogger(quietLogger()))

	replayed, err := r.Replay(ctx, e.ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.ID == e.Task.ID {
		t.Error("replayed task kept the original ID")
	}
	if len(c.types) != 1 || c.types[0] != "render" {
		t.Fatalf("submitted %v, want [render]", c.types)
	}
	if c.opts[0].Priority != 3 || c.opts[0].MaxAttempts != 5 || c.opts[0].Timeout != time.Minute {
		t.Errorf("submitted options = %+v, want original budget", c.opts[0])
	}

	marked, _ := store.Get(ctx, e.ID)
	if marked.ReplayedAt == nil {
		t.Error("ReplayedAt not stamped")
	}
}

func TestReplayRejectsCompleted(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	e := failedEntry("render")
	e.Task.Status = task.StatusCompleted
	store.Append(ctx, e)

	r := NewReplayer(store, (&captureSubmit{}).submit, WithReplayerLogger(quietLogger()))
	if _, err := r.Replay(ctx, e.ID); !errors.Is(err, fabric.ErrNotReplayable) {
		t.Errorf("Replay(completed): err = %v, want ErrNotReplayable", err)
	}
}

func TestReplayUnknownEntry(t *testing.T) {
	r := NewReplayer(NewMemory(), (&captureSubmit{}).submit, WithReplayerLogger(quietLogger()))
	if _, err := r.Replay(context.Background(), id.NewHistoryID()); !errors.Is(err, fabric.ErrHistoryNotFound) {
		t.Errorf("Replay(unknown): err = %v, want ErrHistoryNotFound", err)
	}
}

func TestReplaySubmitFailureLeavesEntryUnmarked(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	e := failedEntry("render")
	store.Append(ctx, e)

	r := NewReplayer(store, (&captureSubmit{fail: true}).submit, WithReplayerLogger(quietLogger()))
	if _, err := r.Replay(ctx, e.ID); err == nil {
		t.Fatal("Replay returned nil for a failed submit")
	}

	unmarked, _ := store.Get(ctx, e.ID)
	if unmarked.ReplayedAt != nil {
		t.Error("failed replay stamped ReplayedAt")
	}
}
