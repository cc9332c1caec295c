package node

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/task"
)

func testConfig() fabric.Config {
	cfg := fabric.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.BroadcastInterval = 100 * time.Millisecond
	cfg.DeadPeerThreshold = 2 * time.Second
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func echoRegistry() *task.Registry {
	reg := task.NewRegistry()
	type echoInput struct {
		Value string `json:"value"`
	}
	task.Register(reg, task.NewDefinition("echo", func(_ context.Context, in echoInput) ([]byte, error) {
		return []byte(in.Value), nil
	}))
	return reg
}

func startNode(t *testing.T, n *Node) {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	})
}

// A coordinator with no peers executes submitted tasks itself.
func TestCoordinatorExecutesLocally(t *testing.T) {
	coord := New(testConfig(), fabric.RoleCoordinator,
		WithLogger(quietLogger()),
		WithRegistry(echoRegistry()),
	)
	startNode(t, coord)

	tsk, err := coord.SubmitRaw(context.Background(), "echo", []byte(`{"value":"local"}`))
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	waitFor(t, 5*time.Second, "local execution", func() bool {
		cur, err := coord.Queue().Get(tsk.ID)
		return err == nil && cur.Status == task.StatusCompleted
	})

	cur, err := coord.Queue().Get(tsk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(cur.Result) != "local" {
		t.Errorf("result = %q, want %q", cur.Result, "local")
	}
	if cur.AssignedNodeID != coord.ID() {
		t.Errorf("AssignedNodeID = %s, want coordinator %s", cur.AssignedNodeID, coord.ID())
	}
}

// A connected worker receives the assignment and reports the result.
func TestCoordinatorAssignsToWorker(t *testing.T) {
	coord := New(testConfig(), fabric.RoleCoordinator, WithLogger(quietLogger()))
	startNode(t, coord)

	worker := New(testConfig(), fabric.RoleWorker,
		WithLogger(quietLogger()),
		WithRegistry(echoRegistry()),
		WithCoordinator(coord.WireURL()),
	)
	startNode(t, worker)

	waitFor(t, 5*time.Second, "worker registration", func() bool {
		return coord.Peers().Count() == 1
	})

	tsk, err := coord.SubmitRaw(context.Background(), "echo", []byte(`{"value":"remote"}`))
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	waitFor(t, 10*time.Second, "remote completion", func() bool {
		cur, err := coord.Queue().Get(tsk.ID)
		return err == nil && cur.Status == task.StatusCompleted
	})

	cur, _ := coord.Queue().Get(tsk.ID)
	if string(cur.Result) != "remote" {
		t.Errorf("result = %q, want %q", cur.Result, "remote")
	}
	if cur.AssignedNodeID != worker.ID() {
		t.Errorf("AssignedNodeID = %s, want worker %s", cur.AssignedNodeID, worker.ID())
	}
}

// A handler that keeps failing exhausts its attempts and the task ends
// terminally failed with attempts == maxAttempts.
func TestRemoteFailureExhaustsAttempts(t *testing.T) {
	coord := New(testConfig(), fabric.RoleCoordinator, WithLogger(quietLogger()))
	startNode(t, coord)

	var calls atomic.Int64
	reg := task.NewRegistry()
	reg.RegisterRaw("flaky", func(_ context.Context, _ []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("simulated failure")
	})

	worker := New(testConfig(), fabric.RoleWorker,
		WithLogger(quietLogger()),
		WithRegistry(reg),
		WithCoordinator(coord.WireURL()),
	)
	startNode(t, worker)

	waitFor(t, 5*time.Second, "worker registration", func() bool {
		return coord.Peers().Count() == 1
	})

	tsk, err := coord.SubmitRaw(context.Background(), "flaky", nil, task.WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	waitFor(t, 10*time.Second, "terminal failure", func() bool {
		cur, err := coord.Queue().Get(tsk.ID)
		return err == nil && cur.Status == task.StatusFailed
	})

	cur, _ := coord.Queue().Get(tsk.ID)
	if cur.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", cur.Attempts)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("handler calls = %d, want 2", got)
	}
}

// Evicting a stale peer resets its running tasks to pending without
// consuming an attempt.
func TestEvictionReassignsTasks(t *testing.T) {
	cfg := testConfig()
	cfg.DeadPeerThreshold = 200 * time.Millisecond

	coord := New(cfg, fabric.RoleCoordinator, WithLogger(quietLogger()))
	startNode(t, coord)

	ghost := testPeer([]string{"render"}, 0)
	coord.Peers().Upsert(ghost)

	tsk, err := coord.SubmitRaw(context.Background(), "render", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	// Hand the task to the ghost peer directly; it has no connection, so
	// the dispatch loop leaves it alone.
	if _, ok := coord.Queue().Next(ghost.ID, []string{"render"}); !ok {
		t.Fatal("Next declined the pending task")
	}

	// Age the ghost past the dead-peer threshold and let the evict loop run.
	coord.Peers().mu.Lock()
	coord.Peers().peers[ghost.ID].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	coord.Peers().mu.Unlock()

	waitFor(t, 5*time.Second, "eviction", func() bool {
		return coord.Peers().Count() == 0
	})
	waitFor(t, 5*time.Second, "task reset to pending", func() bool {
		cur, err := coord.Queue().Get(tsk.ID)
		return err == nil && cur.Status == task.StatusPending && cur.AssignedNodeID.IsNil()
	})

	cur, _ := coord.Queue().Get(tsk.ID)
	if cur.Attempts != 0 {
		t.Errorf("Attempts = %d after failover, want 0", cur.Attempts)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from fabric.NodeStatus
		to   fabric.NodeStatus
		ok   bool
	}{
		{fabric.NodeInitializing, fabric.NodeReady, true},
		{fabric.NodeInitializing, fabric.NodeBusy, false},
		{fabric.NodeReady, fabric.NodeBusy, true},
		{fabric.NodeBusy, fabric.NodeReady, true},
		{fabric.NodeReady, fabric.NodeDisconnected, true},
		{fabric.NodeDisconnected, fabric.NodeReady, true},
		{fabric.NodeDisconnected, fabric.NodeBusy, false},
		{fabric.NodeError, fabric.NodeReady, true},
		{fabric.NodeShutdown, fabric.NodeReady, false},
	}

	for _, tt := range tests {
		n := New(testConfig(), fabric.RoleWorker, WithLogger(quietLogger()))
		n.status = tt.from
		err := n.setStatus(tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s → %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s → %s: transition allowed, want error", tt.from, tt.to)
		}
	}
}

func TestSubmitTyped(t *testing.T) {
	coord := New(testConfig(), fabric.RoleCoordinator,
		WithLogger(quietLogger()),
		WithRegistry(echoRegistry()),
	)
	startNode(t, coord)

	type echoInput struct {
		Value string `json:"value"`
	}
	tsk, err := Submit(context.Background(), coord, "echo", echoInput{Value: "typed"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 5*time.Second, "typed task completion", func() bool {
		cur, err := coord.Queue().Get(tsk.ID)
		return err == nil && cur.Status == task.StatusCompleted
	})

	stats := coord.StatsSnapshot()
	if stats.Role != string(fabric.RoleCoordinator) {
		t.Errorf("stats.Role = %q", stats.Role)
	}
	if stats.Tasks.Completed != 1 {
		t.Errorf("stats.Tasks.Completed = %d, want 1", stats.Tasks.Completed)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	n := New(testConfig(), fabric.RoleCoordinator, WithLogger(quietLogger()))
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := n.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if got := n.Status(); got != fabric.NodeShutdown {
		t.Errorf("Status = %s, want shutdown", got)
	}
	if err := n.Start(ctx); !errors.Is(err, fabric.ErrAlreadyStarted) {
		t.Errorf("Start after Shutdown: err = %v, want ErrAlreadyStarted", err)
	}
}
