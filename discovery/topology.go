package discovery

import (
	"time"

	"github.com/hivemesh/fabric"
)

// Member is one node in a topology snapshot.
type Member struct {
	NodeID       string   `json:"node_id"`
	Addr         string   `json:"addr"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Edge is a worker→coordinator registration link.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Topology is a derived picture of the fabric, rebuilt from scratch on
// every refresh. It is a projection for operators and dashboards; the
// peer registries remain the source of truth.
type Topology struct {
	Coordinators []Member  `json:"coordinators"`
	Workers      []Member  `json:"workers"`
	Edges        []Edge    `json:"edges"`
	BuiltAt      time.Time `json:"built_at"`
}

// BuildTopology projects a node roster into a topology. Every worker
// gets an edge to every coordinator in the roster; the fabric has one
// coordinator per cluster, so in practice this is a star.
func BuildTopology(roster []*fabric.NodeInfo) Topology {
	topo := Topology{BuiltAt: time.Now().UTC()}

	for _, info := range roster {
		m := Member{
			NodeID:       info.ID.String(),
			Addr:         info.Addr,
			Status:       string(info.Status),
			Capabilities: info.Capabilities,
		}
		switch info.Role {
		case fabric.RoleCoordinator:
			topo.Coordinators = append(topo.Coordinators, m)
		default:
			topo.Workers = append(topo.Workers, m)
		}
	}

	for _, w := range topo.Workers {
		for _, c := range topo.Coordinators {
			topo.Edges = append(topo.Edges, Edge{From: w.NodeID, To: c.NodeID})
		}
	}
	return topo
}

// Refresh prunes stale registry entries and rebuilds the topology from
// the roster. This is the only place staleness is enforced; between
// refreshes the registry may hold dead peers.
func Refresh(reg *Registry, roster []*fabric.NodeInfo, staleAfter time.Duration) Topology {
	reg.Prune(staleAfter)
	return BuildTopology(roster)
}
