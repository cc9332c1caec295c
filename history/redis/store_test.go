package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/history"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

// Integration tests run against a live Redis named by FABRIC_REDIS_ADDR,
// e.g. "localhost:6379". They are skipped otherwise.
func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("FABRIC_REDIS_ADDR")
	if addr == "" {
		t.Skip("FABRIC_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 9})
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	s := New(client)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return s
}

func failedEntry(taskType string) *history.Entry {
	return &history.Entry{
		ID: id.NewHistoryID(),
		Task: &task.Task{
			ID:          id.NewTaskID(),
			Type:        taskType,
			Payload:     []byte(`{"n":1}`),
			Status:      task.StatusFailed,
			Priority:    2,
			MaxAttempts: 3,
			Error:       "boom",
		},
		Reason:     "max attempts exceeded",
		RecordedAt: time.Now().UTC(),
	}
}

func TestAppendGetRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := failedEntry("render")
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Task.ID != e.Task.ID || got.Task.Type != "render" || got.Reason != e.Reason {
		t.Errorf("Get = %+v, want round-tripped entry", got)
	}
	if got.Task.Priority != 2 || got.Task.MaxAttempts != 3 {
		t.Errorf("task snapshot lost fields: %+v", got.Task)
	}

	if _, err := s.Get(ctx, id.NewHistoryID()); !errors.Is(err, fabric.ErrHistoryNotFound) {
		t.Errorf("Get(unknown): err = %v, want ErrHistoryNotFound", err)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := failedEntry("render")
	old.RecordedAt = time.Now().UTC().Add(-time.Hour)
	s.Append(ctx, old)
	s.Append(ctx, failedEntry("render"))
	s.Append(ctx, failedEntry("transcode"))

	all, err := s.List(ctx, history.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List = %d entries, want 3", len(all))
	}
	if all[0].ID != old.ID {
		t.Error("List is not oldest first")
	}

	byType, _ := s.List(ctx, history.ListOpts{TaskType: "transcode"})
	if len(byType) != 1 {
		t.Errorf("List(transcode) = %d entries, want 1", len(byType))
	}

	limited, _ := s.List(ctx, history.ListOpts{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("List(limit 2) = %d entries, want 2", len(limited))
	}
}

func TestMarkReplayed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := failedEntry("render")
	s.Append(ctx, e)

	if err := s.MarkReplayed(ctx, e.ID); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}
	got, _ := s.Get(ctx, e.ID)
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not stamped")
	}

	if err := s.MarkReplayed(ctx, id.NewHistoryID()); !errors.Is(err, fabric.ErrHistoryNotFound) {
		t.Errorf("MarkReplayed(unknown): err = %v, want ErrHistoryNotFound", err)
	}
}

func TestPurgeAndCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := failedEntry("render")
	old.RecordedAt = time.Now().UTC().Add(-time.Hour)
	s.Append(ctx, old)
	s.Append(ctx, failedEntry("render"))

	purged, err := s.Purge(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("Purge = %d, want 1", purged)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}
