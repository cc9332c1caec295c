package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/discovery"
	"github.com/hivemesh/fabric/node"
	"github.com/hivemesh/fabric/task"
)

// Swarm is a self-organizing fabric node. It elects its role once at
// startup, runs a full node in that role, and keeps a discovery loop
// probing the network so a worker can rejoin or self-promote when its
// coordinator disappears.
type Swarm struct {
	cfg      fabric.Config
	mode     Mode
	adaptive bool

	name     string
	version  string
	seeds    []string
	registry *task.Registry
	logger   *slog.Logger
	nodeOpts []node.Option

	hasGPU    bool
	scoreFn   func() float64
	threshold float64

	disc   *discovery.Registry
	prober *discovery.Prober

	mu       sync.Mutex
	node     *node.Node
	role     fabric.Role
	coordURL string
	started  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Swarm.
type Option func(*Swarm)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Swarm) { s.logger = logger }
}

// WithRegistry sets the task handler registry; its types become the
// published capabilities.
func WithRegistry(r *task.Registry) Option {
	return func(s *Swarm) { s.registry = r }
}

// WithIdentity sets the name and version on the published agent card.
func WithIdentity(name, version string) Option {
	return func(s *Swarm) { s.name, s.version = name, version }
}

// WithSeeds sets the base URLs probed for agent cards.
func WithSeeds(urls ...string) Option {
	return func(s *Swarm) { s.seeds = append(s.seeds, urls...) }
}

// WithAdaptive lets an active-mode node become the coordinator when
// probing finds none.
func WithAdaptive() Option {
	return func(s *Swarm) { s.adaptive = true }
}

// WithGPU marks the machine as GPU-equipped for mesh-mode scoring and
// tags the published capabilities accordingly.
func WithGPU() Option {
	return func(s *Swarm) { s.hasGPU = true }
}

// WithScoreFunc replaces the mesh-mode resource scorer.
func WithScoreFunc(fn func() float64) Option {
	return func(s *Swarm) { s.scoreFn = fn }
}

// WithScoreThreshold sets the mesh-mode coordinator threshold.
func WithScoreThreshold(v float64) Option {
	return func(s *Swarm) { s.threshold = v }
}

// WithNodeOptions appends options to the underlying node.
func WithNodeOptions(opts ...node.Option) Option {
	return func(s *Swarm) { s.nodeOpts = append(s.nodeOpts, opts...) }
}

// New creates a swarm node in the given mode. Call Start to elect a
// role and join the fabric.
func New(cfg fabric.Config, mode Mode, opts ...Option) *Swarm {
	s := &Swarm{
		cfg:       cfg,
		mode:      mode,
		name:      "fabric-node",
		version:   "0.0.0",
		logger:    slog.Default(),
		threshold: DefaultScoreThreshold,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = task.NewRegistry()
	}
	if s.scoreFn == nil {
		s.scoreFn = func() float64 { return ResourceScore(s.hasGPU) }
	}
	return s
}

// Node returns the underlying node, nil before Start.
func (s *Swarm) Node() *node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// Role returns the current role. It can change once, worker to
// coordinator, through self-promotion.
func (s *Swarm) Role() fabric.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Discovered returns the current discovery census.
func (s *Swarm) Discovered() []*discovery.Entry {
	s.mu.Lock()
	disc := s.disc
	s.mu.Unlock()
	if disc == nil {
		return nil
	}
	return disc.List()
}

// Topology prunes stale discovery entries and projects the current
// network picture.
func (s *Swarm) Topology() discovery.Topology {
	s.mu.Lock()
	n, disc := s.node, s.disc
	s.mu.Unlock()
	if n == nil || disc == nil {
		return discovery.Topology{}
	}
	roster := append(n.Peers().List(), n.Info())
	return discovery.Refresh(disc, roster, s.cfg.StaleEntryThreshold)
}

// Card returns the agent card this node publishes.
func (s *Swarm) Card() discovery.AgentCard {
	s.mu.Lock()
	n, role := s.node, s.role
	s.mu.Unlock()

	addr := s.cfg.ListenAddr
	if n != nil {
		addr = n.Addr()
	}
	card := discovery.NewCard(s.name, s.version, addr, s.registry.Types())
	if s.hasGPU {
		for i := range card.Capabilities {
			card.Capabilities[i].Tags = append(card.Capabilities[i].Tags, "gpu")
		}
	}
	if role == fabric.RoleCoordinator {
		card.Capabilities = append(card.Capabilities, discovery.Capability{
			Name: "coordinate",
			Tags: []string{CoordinatorTag},
		})
	}
	return card
}

// Start elects a role from an initial probe census and launches the
// node, then begins the periodic discovery loop.
func (s *Swarm) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fabric.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	// Election census. Self is not serving yet, so no self filter.
	census := discovery.NewRegistry("")
	discovery.NewProber(census, discovery.WithProberLogger(s.logger)).
		Sweep(ctx, s.seeds)

	role, best := elect(s.mode, s.adaptive, census.List(), s.scoreFn(), s.threshold)

	coordURL := ""
	if role == fabric.RoleWorker && best != nil {
		coordURL = wsEndpoint(best.Card.Endpoints.RPC)
	}
	if err := s.launchNode(ctx, role, coordURL); err != nil {
		return err
	}

	// Rebuild the registry now that the node's own endpoint is known,
	// carrying over the census so self-description never re-enters.
	n := s.Node()
	disc := discovery.NewRegistry("http://" + n.Addr())
	for _, e := range census.List() {
		disc.Upsert(e.Card)
	}
	s.mu.Lock()
	s.disc = disc
	s.prober = discovery.NewProber(disc, discovery.WithProberLogger(s.logger))
	s.mu.Unlock()
	n.AttachDiscovery(disc)

	s.logger.Info("swarm node elected",
		slog.String("mode", string(s.mode)),
		slog.String("role", string(role)),
		slog.String("coordinator", coordURL),
	)

	s.wg.Add(1)
	go s.discoverLoop()
	return nil
}

// Shutdown stops the discovery loop and the node.
func (s *Swarm) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.stopCh)
	n := s.node
	s.mu.Unlock()

	s.wg.Wait()
	if n != nil {
		return n.Shutdown(ctx)
	}
	return nil
}

func (s *Swarm) launchNode(ctx context.Context, role fabric.Role, coordURL string) error {
	opts := append([]node.Option{
		node.WithLogger(s.logger),
		node.WithRegistry(s.registry),
		node.WithAgentCard(func() any { return s.Card() }),
	}, s.nodeOpts...)
	if coordURL != "" {
		opts = append(opts, node.WithCoordinator(coordURL))
	}

	n := node.New(s.cfg, role, opts...)
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start %s node: %w", role, err)
	}

	s.mu.Lock()
	s.node = n
	s.role = role
	s.coordURL = coordURL
	disc := s.disc
	s.mu.Unlock()
	if disc != nil {
		n.AttachDiscovery(disc)
	}
	return nil
}

// discoverLoop keeps the census fresh and handles a worker losing its
// coordinator: rejoin a discovered one, or self-promote when the mode
// permits and the network has none.
func (s *Swarm) discoverLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DiscoveryInterval)
			s.discoverOnce(ctx)
			cancel()
		}
	}
}

func (s *Swarm) discoverOnce(ctx context.Context) {
	s.mu.Lock()
	prober, disc := s.prober, s.disc
	s.mu.Unlock()

	targets := s.seeds
	for _, e := range disc.List() {
		targets = append(targets, e.Card.Endpoints.RPC)
	}
	prober.Sweep(ctx, targets)
	disc.Prune(s.cfg.StaleEntryThreshold)

	if s.Role() != fabric.RoleWorker {
		return
	}

	// A worker that started before any coordinator existed joins the
	// first one discovery turns up.
	s.mu.Lock()
	unattached := s.coordURL == ""
	s.mu.Unlock()
	if unattached {
		if best := bestCoordinator(disc.List()); best != nil {
			s.logger.Info("joining discovered coordinator",
				slog.String("rpc", best.Card.Endpoints.RPC),
			)
			s.reconfigure(ctx, fabric.RoleWorker, wsEndpoint(best.Card.Endpoints.RPC))
		}
		return
	}

	n := s.Node()
	if n == nil || n.Status() != fabric.NodeDisconnected {
		return
	}

	// The coordinator link is down. Prefer rejoining over promoting.
	if best := bestCoordinator(disc.List()); best != nil {
		s.logger.Info("rejoining coordinator",
			slog.String("rpc", best.Card.Endpoints.RPC),
		)
		s.reconfigure(ctx, fabric.RoleWorker, wsEndpoint(best.Card.Endpoints.RPC))
		return
	}
	if canSelfPromote(s.mode, s.adaptive) {
		s.logger.Info("no coordinator reachable, self-promoting")
		s.reconfigure(ctx, fabric.RoleCoordinator, "")
	}
}

// reconfigure replaces the running node with one in a new role. Local
// queue contents do not survive; tasks in flight belong to the old
// coordinator and are its queue's to recover.
func (s *Swarm) reconfigure(ctx context.Context, role fabric.Role, coordURL string) {
	s.mu.Lock()
	old := s.node
	s.mu.Unlock()

	if old != nil {
		if err := old.Shutdown(ctx); err != nil {
			s.logger.Warn("old node shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := s.launchNode(ctx, role, coordURL); err != nil {
		s.logger.Error("relaunch failed",
			slog.String("role", string(role)),
			slog.String("error", err.Error()),
		)
	}
}

// wsEndpoint converts a card's RPC base URL into the WebSocket dial
// URL.
func wsEndpoint(rpc string) string {
	u := strings.TrimSuffix(rpc, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/fabric/ws"
}
