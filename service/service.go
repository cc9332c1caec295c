package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
)

// Status is a service cluster's aggregate health.
type Status string

const (
	// StatusProvisioning means the cluster has fewer members than
	// MinNodes and is still being built.
	StatusProvisioning Status = "provisioning"
	// StatusReady means the cluster has its minimum and every member is
	// healthy.
	StatusReady Status = "ready"
	// StatusDegraded means some members are unhealthy but at least one
	// is serving.
	StatusDegraded Status = "degraded"
	// StatusFailed means the cluster has members but none is healthy.
	StatusFailed Status = "failed"
)

// Requirements states how a service wants to be staffed.
type Requirements struct {
	// MinNodes is the member count below which the cluster is not
	// considered formed.
	MinNodes int `json:"min_nodes"`

	// PreferredNodes is the target the manager tops up toward when
	// qualifying peers are idle. Zero means MinNodes is also the target.
	PreferredNodes int `json:"preferred_nodes,omitempty"`

	// NodeCapabilities must all be advertised by a peer before it
	// qualifies for membership.
	NodeCapabilities []string `json:"node_capabilities,omitempty"`
}

// Definition declares a service cluster.
type Definition struct {
	ID           id.ServiceID `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Requirements Requirements `json:"requirements"`
}

// Validate checks the definition's required fields.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("service definition: name is required")
	}
	if d.Requirements.MinNodes < 1 {
		return fmt.Errorf("service %q: min_nodes must be at least 1", d.Name)
	}
	if p := d.Requirements.PreferredNodes; p != 0 && p < d.Requirements.MinNodes {
		return fmt.Errorf("service %q: preferred_nodes %d below min_nodes %d",
			d.Name, p, d.Requirements.MinNodes)
	}
	return nil
}

// target returns the member count the manager aims for.
func (d *Definition) target() int {
	if d.Requirements.PreferredNodes > d.Requirements.MinNodes {
		return d.Requirements.PreferredNodes
	}
	return d.Requirements.MinNodes
}

// Entry is one service cluster's live state.
type Entry struct {
	Definition Definition  `json:"definition"`
	Members    []id.NodeID `json:"members"`
	Status     Status      `json:"status"`
	Created    time.Time   `json:"created"`
	Updated    time.Time   `json:"updated"`
}

// HasMember reports whether the node is in the cluster.
func (e *Entry) HasMember(nodeID id.NodeID) bool {
	for _, m := range e.Members {
		if m == nodeID {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Members = append([]id.NodeID(nil), e.Members...)
	return &cp
}

// computeStatus applies the health rule: provisioning below MinNodes,
// then ready/failed/degraded by how many members are healthy.
func computeStatus(e *Entry, healthy func(id.NodeID) bool) Status {
	if len(e.Members) < e.Definition.Requirements.MinNodes {
		return StatusProvisioning
	}

	healthyCount := 0
	for _, m := range e.Members {
		if healthy(m) {
			healthyCount++
		}
	}
	switch healthyCount {
	case len(e.Members):
		return StatusReady
	case 0:
		return StatusFailed
	default:
		return StatusDegraded
	}
}

// Qualifies reports whether a peer can serve the definition: it must
// advertise every required capability.
func Qualifies(def *Definition, peer *fabric.NodeInfo) bool {
	return peer.HasCapabilities(def.Requirements.NodeCapabilities)
}

// sortMembers keeps member lists in a stable order for comparison and
// display.
func sortMembers(members []id.NodeID) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].String() < members[j].String()
	})
}
