package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
	"github.com/hivemesh/fabric/wire"
)

// Stats is the node's control-surface statistics snapshot.
type Stats struct {
	NodeID      string              `json:"node_id"`
	Role        string              `json:"role"`
	Status      string              `json:"status"`
	Tasks       fabric.TaskCounters `json:"tasks"`
	PeerCount   int                 `json:"peer_count"`
	Connections int                 `json:"connections"`
	Peers       []*fabric.NodeInfo  `json:"peers,omitempty"`
}

// registerMethods binds the node's operations onto the wire method
// registry. Both roles expose the same surface; a worker's queue simply
// has no peers to delegate to.
func (n *Node) registerMethods() {
	reg := n.methods

	wire.RegisterMethod(reg, wire.MethodTaskSubmit, func(ctx context.Context, _ *wire.Connection, req wire.TaskSubmitRequest) (any, error) {
		opts := []task.Option{}
		if req.Priority != 0 {
			opts = append(opts, task.WithPriority(req.Priority))
		}
		if req.MaxAttempts > 0 {
			opts = append(opts, task.WithMaxAttempts(req.MaxAttempts))
		}
		if req.TimeoutMs > 0 {
			opts = append(opts, task.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
		}
		t, err := n.SubmitRaw(ctx, req.Type, req.Payload, opts...)
		if err != nil {
			return nil, err
		}
		return wire.TaskSubmitResponse{TaskID: t.ID.String(), Status: string(t.Status)}, nil
	})

	wire.RegisterMethod(reg, wire.MethodTaskGet, func(_ context.Context, _ *wire.Connection, req wire.TaskGetRequest) (any, error) {
		taskID, err := id.ParseTaskID(req.TaskID)
		if err != nil {
			return nil, err
		}
		return n.queue.Get(taskID)
	})

	wire.RegisterMethod(reg, wire.MethodTaskNext, func(_ context.Context, _ *wire.Connection, req wire.TaskNextRequest) (any, error) {
		nodeID, err := id.ParseNodeID(req.NodeID)
		if err != nil {
			return nil, err
		}
		t, ok := n.queue.Next(nodeID, req.Capabilities)
		if !ok {
			return wire.TaskAssignResponse{Accepted: false, Reason: "no eligible pending task"}, nil
		}
		n.hooks.EmitTaskDispatched(context.Background(), t, nodeID)
		return wire.TaskAssignRequest{
			TaskID:      t.ID.String(),
			Type:        t.Type,
			Payload:     t.Payload,
			Attempt:     t.Attempts,
			MaxAttempts: t.MaxAttempts,
			TimeoutMs:   t.Timeout.Milliseconds(),
		}, nil
	})

	wire.RegisterMethod(reg, wire.MethodTaskComplete, func(ctx context.Context, _ *wire.Connection, req wire.TaskCompleteRequest) (any, error) {
		taskID, err := id.ParseTaskID(req.TaskID)
		if err != nil {
			return nil, err
		}
		before, berr := n.queue.Get(taskID)
		if err := n.queue.Complete(ctx, taskID, req.Result); err != nil {
			return nil, err
		}
		if berr == nil && before.StartedAt != nil {
			n.hooks.EmitTaskCompleted(ctx, before, time.Since(*before.StartedAt))
		}
		return nil, nil
	})

	wire.RegisterMethod(reg, wire.MethodTaskFail, func(ctx context.Context, _ *wire.Connection, req wire.TaskFailRequest) (any, error) {
		taskID, err := id.ParseTaskID(req.TaskID)
		if err != nil {
			return nil, err
		}
		n.failTask(ctx, taskID, &remoteError{msg: req.Error})
		return nil, nil
	})

	wire.RegisterMethod(reg, wire.MethodTaskProgress, func(ctx context.Context, _ *wire.Connection, req wire.TaskProgressRequest) (any, error) {
		taskID, err := id.ParseTaskID(req.TaskID)
		if err != nil {
			return nil, err
		}
		return nil, n.queue.UpdateProgress(ctx, taskID, req.Partial)
	})

	wire.RegisterMethod(reg, wire.MethodHeartbeat, func(ctx context.Context, _ *wire.Connection, req wire.HeartbeatRequest) (any, error) {
		info, err := heartbeatInfo(req)
		if err != nil {
			return nil, err
		}
		if n.peers.Upsert(info) {
			n.hooks.EmitPeerJoined(ctx, info)
			n.logger.Info("peer joined",
				slog.String("peer", info.ID.String()),
				slog.String("role", string(info.Role)),
				slog.String("addr", info.Addr),
			)
		}

		roster, err := json.Marshal(n.roster())
		if err != nil {
			return nil, err
		}
		return wire.HeartbeatResponse{Status: "ok", NodeID: n.nodeID.String(), Peers: roster}, nil
	})

	wire.RegisterMethod(reg, wire.MethodPeerList, func(_ context.Context, _ *wire.Connection, _ wire.PeerListRequest) (any, error) {
		return n.roster(), nil
	})

	wire.RegisterMethod(reg, wire.MethodNodeInfo, func(_ context.Context, _ *wire.Connection, _ struct{}) (any, error) {
		return n.Info(), nil
	})

	wire.RegisterMethod(reg, wire.MethodLeave, func(ctx context.Context, _ *wire.Connection, req wire.LeaveRequest) (any, error) {
		nodeID, err := id.ParseNodeID(req.NodeID)
		if err != nil {
			return nil, err
		}
		n.dropPeer(ctx, nodeID, "left")
		return nil, nil
	})

	wire.RegisterMethod(reg, wire.MethodStats, func(_ context.Context, _ *wire.Connection, _ struct{}) (any, error) {
		return n.StatsSnapshot(), nil
	})

	n.registerServiceMethods()
	n.registerDiscoveryMethods()
}

// remoteError carries a failure message reported over the wire.
type remoteError struct{ msg string }

func (e *remoteError) Error() string { return e.msg }

// heartbeatInfo converts a heartbeat payload into a NodeInfo entry.
func heartbeatInfo(req wire.HeartbeatRequest) (*fabric.NodeInfo, error) {
	nodeID, err := id.ParseNodeID(req.NodeID)
	if err != nil {
		return nil, err
	}
	return &fabric.NodeInfo{
		ID:           nodeID,
		Role:         fabric.Role(req.Role),
		Status:       fabric.NodeStatus(req.Status),
		Addr:         req.Addr,
		Capabilities: req.Capabilities,
		Tasks: fabric.TaskCounters{
			Pending:   req.Pending,
			Running:   req.Running,
			Completed: req.Completed,
			Failed:    req.Failed,
		},
	}, nil
}

// roster returns all known peers plus this node itself.
func (n *Node) roster() []*fabric.NodeInfo {
	return append(n.peers.List(), n.Info())
}

// StatsSnapshot returns the node's current statistics.
func (n *Node) StatsSnapshot() Stats {
	return Stats{
		NodeID:      n.nodeID.String(),
		Role:        string(n.role),
		Status:      string(n.Status()),
		Tasks:       n.queue.Counters(),
		PeerCount:   n.peers.Count(),
		Connections: n.server.Connections().Count(),
		Peers:       n.peers.List(),
	}
}

// ──────────────────────────────────────────────────
// Coordinator loops
// ──────────────────────────────────────────────────

// evictLoop scans for peers whose heartbeat exceeded the dead-peer
// threshold and evicts them, reassigning their running tasks. This is
// the fabric's sole failover path.
func (n *Node) evictLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			for _, p := range n.peers.Stale(n.cfg.DeadPeerThreshold) {
				n.logger.Warn("evicting stale peer",
					slog.String("peer", p.ID.String()),
					slog.Duration("heartbeat_age", time.Since(p.LastHeartbeat)),
				)
				n.dropPeer(ctx, p.ID, "heartbeat stale")
			}
		}
	}
}

// dropPeer removes a peer, closes its connection, and resets its
// running tasks to pending without consuming an attempt.
func (n *Node) dropPeer(ctx context.Context, nodeID id.NodeID, reason string) {
	info, known := n.peers.Remove(nodeID)
	if conn, ok := n.server.Connections().GetByNode(nodeID); ok {
		conn.Close()
	}
	if known {
		n.hooks.EmitPeerLost(ctx, info)
	}
	if mgr := n.serviceManager(); mgr != nil {
		mgr.PeerLost(ctx, nodeID)
	}

	for _, t := range n.queue.Reassign(nodeID) {
		n.hooks.EmitTaskReassigned(ctx, t, nodeID)
	}

	n.logger.Info("peer removed",
		slog.String("peer", nodeID.String()),
		slog.String("reason", reason),
	)
}

// broadcastLoop pushes the full peer roster to every connected node on
// a fixed interval, keeping worker views from drifting between
// heartbeats.
func (n *Node) broadcastLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.broadcastRoster()
		}
	}
}

func (n *Node) broadcastRoster() {
	frame, err := wire.NewEventFrame(wire.ChannelPeerList, n.roster())
	if err != nil {
		return
	}
	for _, conn := range n.server.Connections().All() {
		if conn.NodeID.IsNil() {
			continue
		}
		if err := conn.Send(frame); err != nil {
			n.logger.Debug("roster push failed",
				slog.String("peer", conn.NodeID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
