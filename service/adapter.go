package service

import (
	"context"
	"encoding/json"

	"github.com/hivemesh/fabric/id"
)

// Adapter exposes a Manager through a node's control surface. It
// matches the node package's ServiceManager interface without either
// package naming the other's types in its API.
type Adapter struct {
	Manager *Manager
}

// RegisterDefinition decodes a wire definition payload and registers
// it.
func (a Adapter) RegisterDefinition(ctx context.Context, raw json.RawMessage) (any, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, err
	}
	return a.Manager.Register(ctx, def)
}

// ListServices returns all cluster snapshots.
func (a Adapter) ListServices() any {
	return a.Manager.List()
}

// Report forwards a member state report.
func (a Adapter) Report(ctx context.Context, serviceID id.ServiceID, nodeID id.NodeID, state string) error {
	return a.Manager.Report(ctx, serviceID, nodeID, state)
}

// PeerLost strips an evicted node from every cluster.
func (a Adapter) PeerLost(ctx context.Context, nodeID id.NodeID) {
	a.Manager.PeerLost(ctx, nodeID)
}
