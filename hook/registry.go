package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type taskSubmittedEntry struct {
	name string
	hook TaskSubmitted
}

type taskDispatchedEntry struct {
	name string
	hook TaskDispatched
}

type taskCompletedEntry struct {
	name string
	hook TaskCompleted
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type taskReassignedEntry struct {
	name string
	hook TaskReassigned
}

type peerJoinedEntry struct {
	name string
	hook PeerJoined
}

type peerLostEntry struct {
	name string
	hook PeerLost
}

type roleChangedEntry struct {
	name string
	hook RoleChanged
}

type memberStateChangedEntry struct {
	name string
	hook MemberStateChanged
}

type scheduleFiredEntry struct {
	name string
	hook ScheduleFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls iterate
// only over hooks that implement the relevant event.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	// Type-cached slices for each lifecycle event.
	taskSubmitted      []taskSubmittedEntry
	taskDispatched     []taskDispatchedEntry
	taskCompleted      []taskCompletedEntry
	taskFailed         []taskFailedEntry
	taskRetrying       []taskRetryingEntry
	taskReassigned     []taskReassignedEntry
	peerJoined         []peerJoinedEntry
	peerLost           []peerLostEntry
	roleChanged        []roleChangedEntry
	memberStateChanged []memberStateChangedEntry
	scheduleFired      []scheduleFiredEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if hk, ok := h.(TaskSubmitted); ok {
		r.taskSubmitted = append(r.taskSubmitted, taskSubmittedEntry{name, hk})
	}
	if hk, ok := h.(TaskDispatched); ok {
		r.taskDispatched = append(r.taskDispatched, taskDispatchedEntry{name, hk})
	}
	if hk, ok := h.(TaskCompleted); ok {
		r.taskCompleted = append(r.taskCompleted, taskCompletedEntry{name, hk})
	}
	if hk, ok := h.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, hk})
	}
	if hk, ok := h.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, hk})
	}
	if hk, ok := h.(TaskReassigned); ok {
		r.taskReassigned = append(r.taskReassigned, taskReassignedEntry{name, hk})
	}
	if hk, ok := h.(PeerJoined); ok {
		r.peerJoined = append(r.peerJoined, peerJoinedEntry{name, hk})
	}
	if hk, ok := h.(PeerLost); ok {
		r.peerLost = append(r.peerLost, peerLostEntry{name, hk})
	}
	if hk, ok := h.(RoleChanged); ok {
		r.roleChanged = append(r.roleChanged, roleChangedEntry{name, hk})
	}
	if hk, ok := h.(MemberStateChanged); ok {
		r.memberStateChanged = append(r.memberStateChanged, memberStateChangedEntry{name, hk})
	}
	if hk, ok := h.(ScheduleFired); ok {
		r.scheduleFired = append(r.scheduleFired, scheduleFiredEntry{name, hk})
	}
	if hk, ok := h.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, hk})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskSubmitted notifies all hooks that implement TaskSubmitted.
func (r *Registry) EmitTaskSubmitted(ctx context.Context, t *task.Task) {
	for _, e := range r.taskSubmitted {
		if err := e.hook.OnTaskSubmitted(ctx, t); err != nil {
			r.logHookError("OnTaskSubmitted", e.name, err)
		}
	}
}

// EmitTaskDispatched notifies all hooks that implement TaskDispatched.
func (r *Registry) EmitTaskDispatched(ctx context.Context, t *task.Task, nodeID id.NodeID) {
	for _, e := range r.taskDispatched {
		if err := e.hook.OnTaskDispatched(ctx, t, nodeID); err != nil {
			r.logHookError("OnTaskDispatched", e.name, err)
		}
	}
}

// EmitTaskCompleted notifies all hooks that implement TaskCompleted.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) {
	for _, e := range r.taskCompleted {
		if err := e.hook.OnTaskCompleted(ctx, t, elapsed); err != nil {
			r.logHookError("OnTaskCompleted", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all hooks that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, taskErr error) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t, taskErr); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all hooks that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task, attempt int) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, t, attempt); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// EmitTaskReassigned notifies all hooks that implement TaskReassigned.
func (r *Registry) EmitTaskReassigned(ctx context.Context, t *task.Task, lostNode id.NodeID) {
	for _, e := range r.taskReassigned {
		if err := e.hook.OnTaskReassigned(ctx, t, lostNode); err != nil {
			r.logHookError("OnTaskReassigned", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Membership event emitters
// ──────────────────────────────────────────────────

// EmitPeerJoined notifies all hooks that implement PeerJoined.
func (r *Registry) EmitPeerJoined(ctx context.Context, peer *fabric.NodeInfo) {
	for _, e := range r.peerJoined {
		if err := e.hook.OnPeerJoined(ctx, peer); err != nil {
			r.logHookError("OnPeerJoined", e.name, err)
		}
	}
}

// EmitPeerLost notifies all hooks that implement PeerLost.
func (r *Registry) EmitPeerLost(ctx context.Context, peer *fabric.NodeInfo) {
	for _, e := range r.peerLost {
		if err := e.hook.OnPeerLost(ctx, peer); err != nil {
			r.logHookError("OnPeerLost", e.name, err)
		}
	}
}

// EmitRoleChanged notifies all hooks that implement RoleChanged.
func (r *Registry) EmitRoleChanged(ctx context.Context, from, to fabric.Role) {
	for _, e := range r.roleChanged {
		if err := e.hook.OnRoleChanged(ctx, from, to); err != nil {
			r.logHookError("OnRoleChanged", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitMemberStateChanged notifies all hooks that implement MemberStateChanged.
func (r *Registry) EmitMemberStateChanged(ctx context.Context, serviceID id.ServiceID, nodeID id.NodeID, state string) {
	for _, e := range r.memberStateChanged {
		if err := e.hook.OnMemberStateChanged(ctx, serviceID, nodeID, state); err != nil {
			r.logHookError("OnMemberStateChanged", e.name, err)
		}
	}
}

// EmitScheduleFired notifies all hooks that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, scheduleName string, taskID id.TaskID) {
	for _, e := range r.scheduleFired {
		if err := e.hook.OnScheduleFired(ctx, scheduleName, taskID); err != nil {
			r.logHookError("OnScheduleFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all hooks that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the
// node's control loops.
func (r *Registry) logHookError(event, hookName string, err error) {
	r.logger.Warn("lifecycle hook error",
		slog.String("event", event),
		slog.String("hook", hookName),
		slog.String("error", err.Error()),
	)
}
