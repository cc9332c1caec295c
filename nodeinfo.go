package fabric

import (
	"slices"
	"time"

	"github.com/hivemesh/fabric/id"
)

// Role distinguishes the two node behaviors in the fabric.
type Role string

const (
	// RoleCoordinator accepts peer connections and assigns tasks.
	RoleCoordinator Role = "coordinator"
	// RoleWorker connects to a coordinator and executes assigned tasks.
	RoleWorker Role = "worker"
)

// NodeStatus is the lifecycle state of a node.
type NodeStatus string

const (
	NodeInitializing NodeStatus = "initializing"
	NodeReady        NodeStatus = "ready"
	NodeBusy         NodeStatus = "busy"
	NodeDisconnected NodeStatus = "disconnected"
	NodeError        NodeStatus = "error"
	NodeShutdown     NodeStatus = "shutdown"
)

// Terminal reports whether the status admits no further transitions.
func (s NodeStatus) Terminal() bool { return s == NodeShutdown }

// TaskCounters summarizes a node's task queue occupancy. Carried in
// every heartbeat so coordinators can balance assignment.
type TaskCounters struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// NodeInfo describes one node in the fabric. A node mutates only its
// own NodeInfo; coordinators track remote copies refreshed from
// heartbeats and evict them when the heartbeat goes stale.
type NodeInfo struct {
	ID            id.NodeID    `json:"id"`
	Role          Role         `json:"role"`
	Status        NodeStatus   `json:"status"`
	Addr          string       `json:"addr,omitempty"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	Tasks         TaskCounters `json:"tasks"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// HasCapability reports whether the node advertises the capability.
func (n *NodeInfo) HasCapability(cap string) bool {
	return slices.Contains(n.Capabilities, cap)
}

// HasCapabilities reports whether the node advertises every capability
// in caps (superset check used by service allocation).
func (n *NodeInfo) HasCapabilities(caps []string) bool {
	for _, c := range caps {
		if !n.HasCapability(c) {
			return false
		}
	}
	return true
}

// Healthy reports whether the node can accept or execute work: it must
// be ready or busy and its heartbeat must be newer than threshold.
func (n *NodeInfo) Healthy(threshold time.Duration) bool {
	if n.Status != NodeReady && n.Status != NodeBusy {
		return false
	}
	return time.Since(n.LastHeartbeat) <= threshold
}

// Clone returns a deep copy. Registries hand out clones so callers can
// never mutate another node's view.
func (n *NodeInfo) Clone() *NodeInfo {
	cp := *n
	cp.Capabilities = slices.Clone(n.Capabilities)
	return &cp
}
