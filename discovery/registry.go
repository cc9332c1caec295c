package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/hivemesh/fabric"
)

// Entry is one discovered peer: the card it served plus bookkeeping
// about when the registry last confirmed it.
type Entry struct {
	Card         AgentCard   `json:"card"`
	Role         fabric.Role `json:"role,omitempty"`
	DiscoveredAt time.Time   `json:"discovered_at"`
	LastSeen     time.Time   `json:"last_seen"`
}

// Registry holds discovered peers keyed by their RPC endpoint. The
// endpoint, not the card name, is the identity: two nodes may share a
// name but never an address.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	// selfRPC is this node's own endpoint, filtered from results.
	selfRPC string
}

// NewRegistry creates an empty registry. selfRPC, when non-empty, is
// the local node's RPC endpoint; cards pointing at it are dropped so a
// node never discovers itself.
func NewRegistry(selfRPC string) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		selfRPC: selfRPC,
	}
}

// Upsert records a card, returning true when the endpoint was not
// known before. Known endpoints get the fresh card and a LastSeen
// bump. Cards for the local node are ignored.
func (r *Registry) Upsert(card AgentCard) bool {
	if card.Endpoints.RPC == "" || card.Endpoints.RPC == r.selfRPC {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if e, ok := r.entries[card.Endpoints.RPC]; ok {
		e.Card = card
		e.LastSeen = now
		return false
	}
	r.entries[card.Endpoints.RPC] = &Entry{
		Card:         card,
		DiscoveredAt: now,
		LastSeen:     now,
	}
	return true
}

// SetRole annotates a discovered peer with the role learned from its
// hello or heartbeat.
func (r *Registry) SetRole(rpcEndpoint string, role fabric.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[rpcEndpoint]; ok {
		e.Role = role
	}
}

// Get returns the entry for an RPC endpoint.
func (r *Registry) Get(rpcEndpoint string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[rpcEndpoint]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// List returns all entries sorted by endpoint.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		cp := *r.entries[k]
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Prune drops entries whose LastSeen is older than maxAge and returns
// the evicted ones. Called on every topology refresh.
func (r *Registry) Prune(maxAge time.Duration) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var pruned []*Entry
	for k, e := range r.entries {
		if e.LastSeen.Before(cutoff) {
			pruned = append(pruned, e)
			delete(r.entries, k)
		}
	}
	return pruned
}
