package hook

import (
	"context"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle
// ──────────────────────────────────────────────────

// TaskSubmitted is called after a task is accepted into the queue.
type TaskSubmitted interface {
	OnTaskSubmitted(ctx context.Context, t *task.Task) error
}

// TaskDispatched is called when a task is handed to a node for execution.
type TaskDispatched interface {
	OnTaskDispatched(ctx context.Context, t *task.Task, nodeID id.NodeID) error
}

// TaskCompleted is called after a task finishes successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskFailed is called when a task fails terminally (no more attempts).
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, err error) error
}

// TaskRetrying is called when a task attempt fails but attempts remain.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int) error
}

// TaskReassigned is called when a running task is reset to pending
// because its assigned node was evicted.
type TaskReassigned interface {
	OnTaskReassigned(ctx context.Context, t *task.Task, lostNode id.NodeID) error
}

// ──────────────────────────────────────────────────
// Membership and election
// ──────────────────────────────────────────────────

// PeerJoined is called when a peer connection is established.
type PeerJoined interface {
	OnPeerJoined(ctx context.Context, peer *fabric.NodeInfo) error
}

// PeerLost is called when a peer is evicted for missed heartbeats.
type PeerLost interface {
	OnPeerLost(ctx context.Context, peer *fabric.NodeInfo) error
}

// RoleChanged is called when the local node transitions between
// coordinator and worker.
type RoleChanged interface {
	OnRoleChanged(ctx context.Context, from, to fabric.Role) error
}

// ──────────────────────────────────────────────────
// Service clusters
// ──────────────────────────────────────────────────

// MemberStateChanged is called when a service cluster member moves
// through its provisioning lifecycle.
type MemberStateChanged interface {
	OnMemberStateChanged(ctx context.Context, serviceID id.ServiceID, nodeID id.NodeID, state string) error
}

// ──────────────────────────────────────────────────
// Other lifecycle
// ──────────────────────────────────────────────────

// ScheduleFired is called when a recurring schedule fires and submits
// a task.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, scheduleName string, taskID id.TaskID) error
}

// Shutdown is called during graceful node shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
