package node

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/wire"
)

// ServiceManager is the coordinator-side service cluster authority.
// Satisfied by service.Adapter; an interface here keeps membership
// handling available on nodes that never attach one.
type ServiceManager interface {
	RegisterDefinition(ctx context.Context, raw json.RawMessage) (any, error)
	ListServices() any
	Report(ctx context.Context, serviceID id.ServiceID, nodeID id.NodeID, state string) error
	PeerLost(ctx context.Context, nodeID id.NodeID)
}

// AttachServiceManager hands cluster authority to a manager. Calls to
// service.register and service.report are forwarded to it, and evicted
// peers are stripped from its clusters.
func (n *Node) AttachServiceManager(m ServiceManager) {
	n.svcMu.Lock()
	n.svcMgr = m
	n.svcMu.Unlock()
}

func (n *Node) serviceManager() ServiceManager {
	n.svcMu.Lock()
	defer n.svcMu.Unlock()
	return n.svcMgr
}

// JoinedServices returns the service memberships this node has
// accepted, keyed by service ID.
func (n *Node) JoinedServices() map[string]string {
	n.svcMu.Lock()
	defer n.svcMu.Unlock()
	out := make(map[string]string, len(n.joinedSvcs))
	for k, v := range n.joinedSvcs {
		out[k] = v
	}
	return out
}

// registerServiceMethods binds the service-cluster operations. Every
// node answers invitations against its own capability registry; the
// cluster authority methods answer only where a manager is attached.
func (n *Node) registerServiceMethods() {
	reg := n.methods

	wire.RegisterMethod(reg, wire.MethodServiceInvite, func(_ context.Context, _ *wire.Connection, req wire.ServiceInviteRequest) (any, error) {
		caps := n.registry.Types()
		for _, want := range req.TaskTypes {
			if !containsString(caps, want) {
				return wire.ServiceInviteResponse{
					Accepted: false,
					Reason:   "missing capability " + want,
				}, nil
			}
		}

		n.svcMu.Lock()
		n.joinedSvcs[req.ServiceID] = req.ServiceName
		n.svcMu.Unlock()

		n.logger.Info("joined service",
			slog.String("service", req.ServiceName),
			slog.String("service_id", req.ServiceID),
		)
		return wire.ServiceInviteResponse{Accepted: true}, nil
	})

	wire.RegisterMethod(reg, wire.MethodServiceRegister, func(ctx context.Context, _ *wire.Connection, raw json.RawMessage) (any, error) {
		mgr := n.serviceManager()
		if mgr == nil {
			return nil, fabric.ErrNotCoordinator
		}
		return mgr.RegisterDefinition(ctx, raw)
	})

	wire.RegisterMethod(reg, wire.MethodServiceList, func(_ context.Context, _ *wire.Connection, _ struct{}) (any, error) {
		if mgr := n.serviceManager(); mgr != nil {
			return mgr.ListServices(), nil
		}
		return n.JoinedServices(), nil
	})

	wire.RegisterMethod(reg, wire.MethodServiceReport, func(ctx context.Context, _ *wire.Connection, req wire.ServiceReportRequest) (any, error) {
		mgr := n.serviceManager()
		if mgr == nil {
			return nil, fabric.ErrNotCoordinator
		}
		serviceID, err := id.ParseServiceID(req.ServiceID)
		if err != nil {
			return nil, err
		}
		nodeID, err := id.ParseNodeID(req.NodeID)
		if err != nil {
			return nil, err
		}
		return nil, mgr.Report(ctx, serviceID, nodeID, req.State)
	})
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
