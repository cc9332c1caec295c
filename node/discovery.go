package node

import (
	"context"

	"github.com/hivemesh/fabric/discovery"
	"github.com/hivemesh/fabric/wire"
)

// AttachDiscovery hands the node a discovery registry so the
// discovery.* methods answer with real census data. Without one, a
// node still answers topology.get from its peer roster.
func (n *Node) AttachDiscovery(reg *discovery.Registry) {
	n.discMu.Lock()
	n.discReg = reg
	n.discMu.Unlock()
}

func (n *Node) discoveryRegistry() *discovery.Registry {
	n.discMu.Lock()
	defer n.discMu.Unlock()
	return n.discReg
}

// registerDiscoveryMethods binds the census and topology operations.
func (n *Node) registerDiscoveryMethods() {
	reg := n.methods

	wire.RegisterMethod(reg, wire.MethodTopology, func(_ context.Context, _ *wire.Connection, _ struct{}) (any, error) {
		roster := n.peers.List()
		roster = append(roster, n.Info())
		return discovery.BuildTopology(roster), nil
	})

	wire.RegisterMethod(reg, wire.MethodDiscoveryList, func(_ context.Context, _ *wire.Connection, _ struct{}) (any, error) {
		if dr := n.discoveryRegistry(); dr != nil {
			return dr.List(), nil
		}
		return []*discovery.Entry{}, nil
	})

	wire.RegisterMethod(reg, wire.MethodDiscoveryRegister, func(_ context.Context, _ *wire.Connection, card discovery.AgentCard) (any, error) {
		if err := card.Validate(); err != nil {
			return nil, err
		}
		isNew := false
		if dr := n.discoveryRegistry(); dr != nil {
			isNew = dr.Upsert(card)
		}
		return map[string]bool{"recorded": isNew}, nil
	})
}
