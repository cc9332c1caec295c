// Package task provides the unit of work distributed across the fabric:
// the Task model, a typed handler registry, the in-memory Queue with
// retry and timeout semantics, and pluggable scheduling strategies.
package task

import (
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending means the task is waiting for assignment.
	StatusPending Status = "pending"
	// StatusRunning means a node is currently executing the task.
	StatusRunning Status = "running"
	// StatusCompleted means the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the task failed and exhausted its attempts.
	StatusFailed Status = "failed"
	// StatusTimeout means the task's final attempt exceeded its deadline.
	StatusTimeout Status = "timeout"
	// StatusCancelled means the queue was closed before the task ran.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of work tracked by exactly one queue: the queue of the
// node that created it. Status transitions are monotonic except for
// retry, which moves a failed or timed-out attempt back to pending
// while incrementing Attempts. Attempts never exceeds MaxAttempts.
type Task struct {
	fabric.Entity

	ID             id.TaskID     `json:"id"`
	Type           string        `json:"type"`
	Payload        []byte        `json:"payload,omitempty"`
	Status         Status        `json:"status"`
	Priority       int           `json:"priority"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	AssignedNodeID id.NodeID     `json:"assigned_node_id,omitempty"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	Result         []byte        `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Clone returns a copy safe for callers to inspect without racing with
// the owning queue.
func (t *Task) Clone() *Task {
	cp := *t
	return &cp
}
