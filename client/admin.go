package client

import (
	"context"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/discovery"
	"github.com/hivemesh/fabric/service"
	"github.com/hivemesh/fabric/wire"
)

// Stats mirrors a node's stats response.
type Stats struct {
	NodeID      string              `json:"node_id"`
	Role        string              `json:"role"`
	Status      string              `json:"status"`
	Tasks       fabric.TaskCounters `json:"tasks"`
	PeerCount   int                 `json:"peer_count"`
	Connections int                 `json:"connections"`
	Peers       []*fabric.NodeInfo  `json:"peers,omitempty"`
}

// Stats retrieves the remote node's runtime statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.call(ctx, wire.MethodStats, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Peers retrieves the remote node's peer roster, itself included.
func (c *Client) Peers(ctx context.Context) ([]*fabric.NodeInfo, error) {
	var peers []*fabric.NodeInfo
	if err := c.call(ctx, wire.MethodPeerList, wire.PeerListRequest{}, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// NodeInfo retrieves the remote node's self-description.
func (c *Client) NodeInfo(ctx context.Context) (*fabric.NodeInfo, error) {
	var info fabric.NodeInfo
	if err := c.call(ctx, wire.MethodNodeInfo, struct{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Topology retrieves the remote node's projection of the fabric.
func (c *Client) Topology(ctx context.Context) (*discovery.Topology, error) {
	var topo discovery.Topology
	if err := c.call(ctx, wire.MethodTopology, struct{}{}, &topo); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Discovered retrieves the remote node's discovery census. Nodes
// without an attached discovery registry answer with an empty list.
func (c *Client) Discovered(ctx context.Context) ([]*discovery.Entry, error) {
	var entries []*discovery.Entry
	if err := c.call(ctx, wire.MethodDiscoveryList, struct{}{}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// RegisterService registers a service definition with a coordinator.
func (c *Client) RegisterService(ctx context.Context, def service.Definition) (*service.Entry, error) {
	var entry service.Entry
	if err := c.call(ctx, wire.MethodServiceRegister, def, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Services lists the service clusters a coordinator manages.
func (c *Client) Services(ctx context.Context) ([]*service.Entry, error) {
	var entries []*service.Entry
	if err := c.call(ctx, wire.MethodServiceList, struct{}{}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
