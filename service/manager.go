package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/hook"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/wire"
)

// PeerSource supplies the coordinator's current peer roster. Satisfied
// by node.PeerRegistry.
type PeerSource interface {
	List() []*fabric.NodeInfo
}

// Inviter delivers a membership invitation to a peer's control
// surface and returns its answer.
type Inviter interface {
	Invite(ctx context.Context, addr string, req wire.ServiceInviteRequest) (wire.ServiceInviteResponse, error)
}

// Manager owns the service clusters on a coordinator. Membership
// changes happen only here: through invitations it sends and leaves it
// processes.
type Manager struct {
	peers   PeerSource
	inviter Inviter
	hooks   *hook.Registry
	logger  *slog.Logger

	interval        time.Duration
	healthThreshold time.Duration
	inviteTimeout   time.Duration

	mu       sync.Mutex
	services map[id.ServiceID]*Entry

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithHooks sets the lifecycle hook registry for member-state events.
func WithHooks(h *hook.Registry) ManagerOption {
	return func(m *Manager) { m.hooks = h }
}

// WithManageInterval sets the management cycle period.
func WithManageInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = d }
}

// WithHealthThreshold sets the heartbeat age beyond which a member
// counts as unhealthy.
func WithHealthThreshold(d time.Duration) ManagerOption {
	return func(m *Manager) { m.healthThreshold = d }
}

// WithInviteTimeout bounds a single invitation round trip.
func WithInviteTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.inviteTimeout = d }
}

// NewManager creates a manager drawing members from peers and inviting
// them through inviter.
func NewManager(peers PeerSource, inviter Inviter, opts ...ManagerOption) *Manager {
	m := &Manager{
		peers:           peers,
		inviter:         inviter,
		logger:          slog.Default(),
		interval:        60 * time.Second,
		healthThreshold: 30 * time.Second,
		inviteTimeout:   5 * time.Second,
		services:        make(map[id.ServiceID]*Entry),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.hooks == nil {
		m.hooks = hook.NewRegistry(m.logger)
	}
	return m
}

// Start launches the management loop.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.manageLoop()
	return nil
}

// Stop halts the management loop. Registered services stay queryable.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Register declares a new service cluster and immediately tries to
// staff it to MinNodes.
func (m *Manager) Register(ctx context.Context, def Definition) (*Entry, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.ID.IsNil() {
		def.ID = id.NewServiceID()
	}

	m.mu.Lock()
	for _, e := range m.services {
		if e.Definition.Name == def.Name {
			m.mu.Unlock()
			return nil, fabric.ErrServiceExists
		}
	}
	now := time.Now().UTC()
	entry := &Entry{
		Definition: def,
		Status:     StatusProvisioning,
		Created:    now,
		Updated:    now,
	}
	m.services[def.ID] = entry
	m.mu.Unlock()

	m.logger.Info("service registered",
		slog.String("service", def.Name),
		slog.String("service_id", def.ID.String()),
		slog.Int("min_nodes", def.Requirements.MinNodes),
	)

	m.staff(ctx, entry, def.Requirements.MinNodes)
	m.refreshStatus(entry)
	return m.Get(def.ID)
}

// Get returns a snapshot of one service cluster.
func (m *Manager) Get(serviceID id.ServiceID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.services[serviceID]
	if !ok {
		return nil, fabric.ErrServiceNotFound
	}
	return e.Clone(), nil
}

// GetByName returns a snapshot of the named service cluster.
func (m *Manager) GetByName(name string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.services {
		if e.Definition.Name == name {
			return e.Clone(), nil
		}
	}
	return nil, fabric.ErrServiceNotFound
}

// List returns snapshots of all service clusters.
func (m *Manager) List() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.services))
	for _, e := range m.services {
		out = append(out, e.Clone())
	}
	return out
}

// Report records a member's self-reported state change and re-derives
// the cluster status.
func (m *Manager) Report(ctx context.Context, serviceID id.ServiceID, nodeID id.NodeID, state string) error {
	m.mu.Lock()
	e, ok := m.services[serviceID]
	if !ok {
		m.mu.Unlock()
		return fabric.ErrServiceNotFound
	}
	if !e.HasMember(nodeID) {
		m.mu.Unlock()
		return fabric.ErrMemberNotFound
	}
	m.mu.Unlock()

	m.hooks.EmitMemberStateChanged(ctx, serviceID, nodeID, state)
	m.refreshStatus(e)
	return nil
}

// Leave removes a member that announced its departure.
func (m *Manager) Leave(ctx context.Context, serviceID id.ServiceID, nodeID id.NodeID) error {
	m.mu.Lock()
	e, ok := m.services[serviceID]
	if !ok {
		m.mu.Unlock()
		return fabric.ErrServiceNotFound
	}
	found := false
	for i, member := range e.Members {
		if member == nodeID {
			e.Members = append(e.Members[:i], e.Members[i+1:]...)
			e.Updated = time.Now().UTC()
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return fabric.ErrMemberNotFound
	}
	m.hooks.EmitMemberStateChanged(ctx, serviceID, nodeID, "left")
	m.refreshStatus(e)
	return nil
}

// PeerLost strips a vanished node from every cluster it served.
func (m *Manager) PeerLost(ctx context.Context, nodeID id.NodeID) {
	m.mu.Lock()
	affected := make([]*Entry, 0)
	for _, e := range m.services {
		for i, member := range e.Members {
			if member == nodeID {
				e.Members = append(e.Members[:i], e.Members[i+1:]...)
				e.Updated = time.Now().UTC()
				affected = append(affected, e)
				break
			}
		}
	}
	m.mu.Unlock()

	for _, e := range affected {
		m.hooks.EmitMemberStateChanged(ctx, e.Definition.ID, nodeID, "lost")
		m.refreshStatus(e)
	}
}

func (m *Manager) manageLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.manageOnce(context.Background())
		}
	}
}

// manageOnce is one management cycle: recompute every cluster's status
// from member health, then top up. Staffing toward MinNodes runs
// unconditionally; growth toward PreferredNodes only when the cluster
// already has its minimum, so must-have always wins the available
// peers.
func (m *Manager) manageOnce(ctx context.Context) {
	for _, snapshot := range m.List() {
		m.mu.Lock()
		entry, ok := m.services[snapshot.Definition.ID]
		m.mu.Unlock()
		if !ok {
			continue
		}

		min := entry.Definition.Requirements.MinNodes
		if len(snapshot.Members) < min {
			m.staff(ctx, entry, min)
		} else if target := entry.Definition.target(); len(snapshot.Members) < target {
			m.staff(ctx, entry, target)
		}
		m.refreshStatus(entry)
	}
}

// staff invites qualifying peers until the cluster reaches want
// members or candidates run out. A member is recorded only after its
// ack; declined or failed invites leave no trace.
func (m *Manager) staff(ctx context.Context, e *Entry, want int) {
	for _, peer := range m.peers.List() {
		m.mu.Lock()
		need := want - len(e.Members)
		already := e.HasMember(peer.ID)
		def := e.Definition
		m.mu.Unlock()

		if need <= 0 {
			return
		}
		if already || !Qualifies(&def, peer) || !peer.Healthy(m.healthThreshold) {
			continue
		}

		inviteCtx, cancel := context.WithTimeout(ctx, m.inviteTimeout)
		resp, err := m.inviter.Invite(inviteCtx, peer.Addr, wire.ServiceInviteRequest{
			ServiceID:   def.ID.String(),
			ServiceName: def.Name,
			TaskTypes:   def.Requirements.NodeCapabilities,
		})
		cancel()

		if err != nil || !resp.Accepted {
			reason := resp.Reason
			if err != nil {
				reason = err.Error()
			}
			m.logger.Debug("invite declined",
				slog.String("service", def.Name),
				slog.String("peer", peer.ID.String()),
				slog.String("reason", reason),
			)
			continue
		}

		m.mu.Lock()
		if !e.HasMember(peer.ID) {
			e.Members = append(e.Members, peer.ID)
			sortMembers(e.Members)
			e.Updated = time.Now().UTC()
		}
		m.mu.Unlock()

		m.hooks.EmitMemberStateChanged(ctx, def.ID, peer.ID, "joined")
		m.logger.Info("member joined service",
			slog.String("service", def.Name),
			slog.String("peer", peer.ID.String()),
		)
	}
}

// refreshStatus recomputes one cluster's aggregate status from the
// current roster.
func (m *Manager) refreshStatus(e *Entry) {
	roster := make(map[id.NodeID]*fabric.NodeInfo)
	for _, p := range m.peers.List() {
		roster[p.ID] = p
	}
	healthy := func(nodeID id.NodeID) bool {
		p, ok := roster[nodeID]
		return ok && p.Healthy(m.healthThreshold)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := computeStatus(e, healthy)
	if next != e.Status {
		m.logger.Info("service status changed",
			slog.String("service", e.Definition.Name),
			slog.String("from", string(e.Status)),
			slog.String("to", string(next)),
		)
		e.Status = next
		e.Updated = time.Now().UTC()
	}
}
