package node

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

func newExecTask(taskType string, payload []byte) *task.Task {
	return &task.Task{
		Entity:      fabric.NewEntity(),
		ID:          id.NewTaskID(),
		Type:        taskType,
		Payload:     payload,
		Status:      task.StatusRunning,
		MaxAttempts: 3,
	}
}

func TestExecutorRunsHandler(t *testing.T) {
	reg := task.NewRegistry()
	type echoInput struct {
		Value string `json:"value"`
	}
	task.Register(reg, task.NewDefinition("echo", func(_ context.Context, in echoInput) ([]byte, error) {
		return []byte(in.Value), nil
	}))

	exec := NewExecutor(reg, quietLogger())
	result, err := exec.Execute(context.Background(), newExecTask("echo", []byte(`{"value":"hello"}`)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(result) != "hello" {
		t.Errorf("result = %q, want %q", result, "hello")
	}
}

func TestExecutorNoHandler(t *testing.T) {
	exec := NewExecutor(task.NewRegistry(), quietLogger())
	_, err := exec.Execute(context.Background(), newExecTask("unknown", nil))
	if !errors.Is(err, fabric.ErrNoHandler) {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}
}

func TestExecutorRecoversPanic(t *testing.T) {
	reg := task.NewRegistry()
	reg.RegisterRaw("boom", func(_ context.Context, _ []byte) ([]byte, error) {
		panic("handler exploded")
	})

	exec := NewExecutor(reg, quietLogger())
	_, err := exec.Execute(context.Background(), newExecTask("boom", nil))
	if err == nil {
		t.Fatal("panic was not converted to an error")
	}
}

func TestExecutorTimeout(t *testing.T) {
	reg := task.NewRegistry()
	reg.RegisterRaw("slow", func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return []byte("too late"), nil
		}
	})

	exec := NewExecutor(reg, quietLogger())
	tk := newExecTask("slow", nil)
	tk.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := exec.Execute(context.Background(), tk)
	if err == nil {
		t.Fatal("timed-out attempt returned no error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout not enforced: attempt took %v", elapsed)
	}
}
