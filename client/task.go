package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
	"github.com/hivemesh/fabric/wire"
)

// Receipt confirms a task submission.
type Receipt struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// SubmitOption configures a task submission.
type SubmitOption func(*wire.TaskSubmitRequest)

// WithPriority sets the task priority; higher runs first.
func WithPriority(p int) SubmitOption {
	return func(r *wire.TaskSubmitRequest) { r.Priority = p }
}

// WithMaxAttempts sets the task's attempt budget.
func WithMaxAttempts(n int) SubmitOption {
	return func(r *wire.TaskSubmitRequest) { r.MaxAttempts = n }
}

// WithTaskTimeout bounds each execution attempt.
func WithTaskTimeout(d time.Duration) SubmitOption {
	return func(r *wire.TaskSubmitRequest) { r.TimeoutMs = d.Milliseconds() }
}

// SubmitTask submits a task to the remote node's queue. The payload is
// JSON-marshaled unless it already is a json.RawMessage or []byte.
func (c *Client) SubmitTask(ctx context.Context, taskType string, payload any, opts ...SubmitOption) (*Receipt, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshal payload: %w", err)
	}

	req := wire.TaskSubmitRequest{Type: taskType, Payload: raw}
	for _, opt := range opts {
		opt(&req)
	}

	var receipt Receipt
	if err := c.call(ctx, wire.MethodTaskSubmit, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Task retrieves a task by ID.
func (c *Client) Task(ctx context.Context, taskID string) (*task.Task, error) {
	if _, err := id.ParseTaskID(taskID); err != nil {
		return nil, err
	}
	var t task.Task
	if err := c.call(ctx, wire.MethodTaskGet, wire.TaskGetRequest{TaskID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// WaitTask polls a task until it reaches a terminal status or the
// context expires.
func (c *Client) WaitTask(ctx context.Context, taskID string, poll time.Duration) (*task.Task, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		t, err := c.Task(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
