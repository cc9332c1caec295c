package node

import (
	"sort"
	"sync"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
)

// PeerRegistry tracks the remote NodeInfo copies a node knows about.
// Entries are refreshed from heartbeats; the coordinator evicts entries
// whose heartbeat age exceeds the dead-peer threshold. All accessors
// return clones so callers never share memory with the registry.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[id.NodeID]*fabric.NodeInfo
}

// NewPeerRegistry creates an empty peer registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[id.NodeID]*fabric.NodeInfo),
	}
}

// Upsert inserts or refreshes a peer entry and stamps its heartbeat.
// Returns true when the peer was not previously known.
func (r *PeerRegistry) Upsert(info *fabric.NodeInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.peers[info.ID]
	cp := info.Clone()
	cp.LastHeartbeat = time.Now().UTC()
	r.peers[info.ID] = cp
	return !known
}

// Get returns a clone of the peer entry.
func (r *PeerRegistry) Get(nodeID id.NodeID) (*fabric.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[nodeID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Remove deletes a peer entry, returning its last known state.
func (r *PeerRegistry) Remove(nodeID id.NodeID) (*fabric.NodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		return nil, false
	}
	delete(r.peers, nodeID)
	return p, true
}

// List returns clones of all known peers, ordered by ID for stable
// snapshots.
func (r *PeerRegistry) List() []*fabric.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*fabric.NodeInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Count returns the number of known peers.
func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Stale returns clones of peers whose heartbeat is older than
// threshold. Eviction is the caller's decision.
func (r *PeerRegistry) Stale(threshold time.Duration) []*fabric.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var out []*fabric.NodeInfo
	for _, p := range r.peers {
		if p.LastHeartbeat.Before(cutoff) {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Candidates returns healthy peers that advertise the capability,
// ordered by running-task count ascending. An empty capability matches
// any healthy peer. This is the coordinator's assignment order.
func (r *PeerRegistry) Candidates(capability string, threshold time.Duration) []*fabric.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*fabric.NodeInfo
	for _, p := range r.peers {
		if !p.Healthy(threshold) {
			continue
		}
		if capability != "" && !p.HasCapability(capability) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tasks.Running != out[j].Tasks.Running {
			return out[i].Tasks.Running < out[j].Tasks.Running
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// NoteAssigned bumps the registry's running count for a peer so that
// successive assignments in one dispatch cycle spread out instead of
// piling onto the same peer until its next heartbeat.
func (r *PeerRegistry) NoteAssigned(nodeID id.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.Tasks.Running++
	}
}
