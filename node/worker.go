package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/backoff"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
	"github.com/hivemesh/fabric/wire"
)

// connectCoordinator dials the coordinator and keeps retrying on the
// reconnect delay until the link is up or the node stops. The hello
// frame doubles as registration; the first heartbeat completes it.
func (n *Node) connectCoordinator(ctx context.Context) error {
	hello := wire.HelloRequest{
		NodeID:       n.nodeID.String(),
		Addr:         n.Addr(),
		Role:         string(n.role),
		Capabilities: n.registry.Types(),
		Token:        n.authToken,
		Format:       n.format,
	}
	n.coord = wire.NewClient(n.coordURL, hello,
		wire.WithClientLogger(n.logger),
		wire.WithCallTimeout(n.cfg.CallTimeout),
		wire.WithReconnect(backoff.NewConstant(n.cfg.ReconnectDelay)),
		wire.OnEvent(n.handlePush),
		wire.OnConnect(func(remote wire.HelloResponse) {
			n.setStatus(fabric.NodeReady)
			n.logger.Info("coordinator link up",
				slog.String("coordinator", remote.NodeID),
				slog.String("url", n.coordURL),
			)
			go n.sendHeartbeat(context.Background())
		}),
		wire.OnDisconnect(func(err error) {
			n.setStatus(fabric.NodeDisconnected)
		}),
	)

	for {
		err := n.coord.Connect(ctx)
		if err == nil {
			return nil
		}
		n.logger.Warn("coordinator dial failed",
			slog.String("url", n.coordURL),
			slog.String("error", err.Error()),
		)
		select {
		case <-n.stopCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.cfg.ReconnectDelay):
		}
	}
}

// heartbeatLoop sends the node's self-description to the coordinator on
// the heartbeat interval.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if n.coord.Connected() {
				n.sendHeartbeat(context.Background())
			}
		}
	}
}

// sendHeartbeat pushes one heartbeat and absorbs the returned roster.
func (n *Node) sendHeartbeat(ctx context.Context) {
	info := n.Info()
	req := wire.HeartbeatRequest{
		NodeID:       info.ID.String(),
		Addr:         info.Addr,
		Role:         string(info.Role),
		Status:       string(info.Status),
		Capabilities: info.Capabilities,
		Pending:      info.Tasks.Pending,
		Running:      info.Tasks.Running,
		Completed:    info.Tasks.Completed,
		Failed:       info.Tasks.Failed,
	}

	data, err := n.coord.Call(ctx, wire.MethodHeartbeat, req)
	if err != nil {
		n.logger.Debug("heartbeat failed", slog.String("error", err.Error()))
		return
	}

	var resp wire.HeartbeatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	if len(resp.Peers) > 0 {
		var roster []*fabric.NodeInfo
		if err := json.Unmarshal(resp.Peers, &roster); err == nil {
			n.absorbRoster(roster)
		}
	}
}

// absorbRoster merges a peer roster into the local registry, skipping
// this node's own entry.
func (n *Node) absorbRoster(roster []*fabric.NodeInfo) {
	for _, info := range roster {
		if info.ID == n.nodeID {
			continue
		}
		n.peers.Upsert(info)
	}
}

// handlePush routes server-initiated event frames from the coordinator.
func (n *Node) handlePush(frame *wire.Frame) {
	switch frame.Channel {
	case wire.ChannelAssign:
		var req wire.TaskAssignRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			n.logger.Warn("malformed assignment", slog.String("error", err.Error()))
			return
		}
		go n.runAssignment(req)

	case wire.ChannelPeerList:
		var roster []*fabric.NodeInfo
		if err := json.Unmarshal(frame.Data, &roster); err == nil {
			n.absorbRoster(roster)
		}

	case wire.ChannelShutdown:
		// Coordinator is going away; the reconnect loop takes over.
		n.logger.Info("coordinator announced shutdown")
	}
}

// runAssignment executes a pushed task attempt and reports the outcome
// back to the coordinator, which owns the task's queue entry.
func (n *Node) runAssignment(req wire.TaskAssignRequest) {
	taskID, err := id.ParseTaskID(req.TaskID)
	if err != nil {
		n.logger.Warn("assignment with invalid task id", slog.String("task_id", req.TaskID))
		return
	}

	now := time.Now().UTC()
	t := &task.Task{
		Entity:         fabric.NewEntity(),
		ID:             taskID,
		Type:           req.Type,
		Payload:        req.Payload,
		Status:         task.StatusRunning,
		StartedAt:      &now,
		AssignedNodeID: n.nodeID,
		Attempts:       req.Attempt,
		MaxAttempts:    req.MaxAttempts,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
	}

	n.running.Add(1)
	defer n.running.Add(-1)

	ctx := context.Background()
	result, execErr := n.executor.Execute(ctx, t)

	callCtx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	defer cancel()

	if execErr != nil {
		_, err = n.coord.Call(callCtx, wire.MethodTaskFail, wire.TaskFailRequest{
			TaskID: req.TaskID,
			NodeID: n.nodeID.String(),
			Error:  execErr.Error(),
		})
	} else {
		_, err = n.coord.Call(callCtx, wire.MethodTaskComplete, wire.TaskCompleteRequest{
			TaskID: req.TaskID,
			NodeID: n.nodeID.String(),
			Result: result,
		})
	}
	if err != nil {
		// The coordinator will recover the attempt through its own
		// timeout sweep or peer eviction.
		n.logger.Warn("result report failed",
			slog.String("task_id", req.TaskID),
			slog.String("error", err.Error()),
		)
	}
}
