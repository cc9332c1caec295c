package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/discovery"
	"github.com/hivemesh/fabric/hook"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/middleware"
	"github.com/hivemesh/fabric/stream"
	"github.com/hivemesh/fabric/task"
	"github.com/hivemesh/fabric/wire"
)

// dispatchInterval is how often the assignment loop drains pending
// tasks. Short enough that dispatch latency is negligible next to the
// heartbeat cadence.
const dispatchInterval = 250 * time.Millisecond

// Node is one fabric process. It owns a task queue, serves the wire
// protocol on its listen address, and runs either the coordinator or
// the worker behavior on top.
type Node struct {
	cfg    fabric.Config
	role   fabric.Role
	nodeID id.NodeID
	logger *slog.Logger

	registry *task.Registry
	queue    *task.Queue
	hooks    *hook.Registry
	executor *Executor
	peers    *PeerRegistry
	broker   *stream.Broker

	methods  *wire.MethodRegistry
	server   *wire.Server
	httpSrv  *http.Server
	listener net.Listener

	// Worker-side coordinator link.
	coordURL string
	coord    *wire.Client

	auth      wire.Authenticator
	authToken string
	format    string
	agentCard wire.AgentCardFunc
	recorder  task.Recorder
	mws       []middleware.Middleware
	queueOpts []task.QueueOption

	mu      sync.Mutex
	status  fabric.NodeStatus
	addr    string
	started bool

	svcMu      sync.Mutex
	joinedSvcs map[string]string // service ID → name
	svcMgr     ServiceManager

	discMu  sync.Mutex
	discReg *discovery.Registry

	running atomic.Int64 // locally executing attempts
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithRegistry sets the task handler registry. The registry doubles as
// the node's capability advertisement.
func WithRegistry(r *task.Registry) Option {
	return func(n *Node) { n.registry = r }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(h *hook.Registry) Option {
	return func(n *Node) { n.hooks = h }
}

// WithBroker attaches a stream broker: it is registered as a hook and
// wired into the wire server's subscription endpoints.
func WithBroker(b *stream.Broker) Option {
	return func(n *Node) { n.broker = b }
}

// WithRecorder attaches a terminal-task recorder (history store).
func WithRecorder(r task.Recorder) Option {
	return func(n *Node) { n.recorder = r }
}

// WithCoordinator sets the coordinator WebSocket URL a worker dials.
func WithCoordinator(url string) Option {
	return func(n *Node) { n.coordURL = url }
}

// WithAuthenticator sets the server-side authenticator.
func WithAuthenticator(a wire.Authenticator) Option {
	return func(n *Node) { n.auth = a }
}

// WithAuthToken sets the token presented when dialing peers.
func WithAuthToken(token string) Option {
	return func(n *Node) { n.authToken = token }
}

// WithWireFormat requests a wire codec for outbound connections.
func WithWireFormat(name string) Option {
	return func(n *Node) { n.format = name }
}

// WithAgentCard sets the discovery document served at
// /.well-known/agent.json.
func WithAgentCard(fn wire.AgentCardFunc) Option {
	return func(n *Node) { n.agentCard = fn }
}

// WithMiddleware sets the task execution middleware chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(n *Node) { n.mws = mws }
}

// WithQueueOptions appends options to the node's task queue.
func WithQueueOptions(opts ...task.QueueOption) Option {
	return func(n *Node) { n.queueOpts = opts }
}

// New creates a node with the given role. Call Start to bind the
// control surface and launch the role's loops.
func New(cfg fabric.Config, role fabric.Role, opts ...Option) *Node {
	n := &Node{
		cfg:        cfg,
		role:       role,
		nodeID:     id.NewNodeID(),
		logger:     slog.Default(),
		peers:      NewPeerRegistry(),
		status:     fabric.NodeInitializing,
		joinedSvcs: make(map[string]string),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.registry == nil {
		n.registry = task.NewRegistry()
	}
	if n.hooks == nil {
		n.hooks = hook.NewRegistry(n.logger)
	}
	if n.broker != nil {
		n.hooks.Register(n.broker)
	}

	qopts := []task.QueueOption{
		task.WithStrategy(task.NewCapabilityMatch()),
		task.WithSweepInterval(cfg.SweepInterval),
		task.WithHistoryLimit(cfg.HistoryLimit),
		task.WithQueueLogger(n.logger),
	}
	if n.recorder != nil {
		qopts = append(qopts, task.WithRecorder(n.recorder))
	}
	n.queue = task.NewQueue(append(qopts, n.queueOpts...)...)
	n.executor = NewExecutor(n.registry, n.logger, n.mws...)

	n.methods = wire.NewMethodRegistry()
	n.registerMethods()

	srvOpts := []wire.ServerOption{
		wire.WithServerLogger(n.logger),
		wire.WithHelloInfo(n.helloInfo),
	}
	if n.auth != nil {
		srvOpts = append(srvOpts, wire.WithAuth(n.auth))
	}
	if n.broker != nil {
		srvOpts = append(srvOpts, wire.WithBroker(n.broker))
	}
	if n.agentCard != nil {
		srvOpts = append(srvOpts, wire.WithAgentCard(n.agentCard))
	}
	n.server = wire.NewServer(n.methods, srvOpts...)

	return n
}

// ID returns the node's ID.
func (n *Node) ID() id.NodeID { return n.nodeID }

// Role returns the node's role.
func (n *Node) Role() fabric.Role { return n.role }

// Queue returns the node's task queue.
func (n *Node) Queue() *task.Queue { return n.queue }

// Registry returns the node's task handler registry.
func (n *Node) Registry() *task.Registry { return n.registry }

// Hooks returns the node's lifecycle hook registry.
func (n *Node) Hooks() *hook.Registry { return n.hooks }

// Peers returns the node's peer registry.
func (n *Node) Peers() *PeerRegistry { return n.peers }

// Addr returns the bound listen address, empty before Start.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// WireURL returns the node's WebSocket endpoint, empty before Start.
func (n *Node) WireURL() string {
	addr := n.Addr()
	if addr == "" {
		return ""
	}
	return "ws://" + addr + "/fabric/ws"
}

// Status returns the node's lifecycle status. Busy is derived: a node
// executing at least one local attempt reports busy instead of ready.
func (n *Node) Status() fabric.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == fabric.NodeReady && n.running.Load() > 0 {
		return fabric.NodeBusy
	}
	return n.status
}

// setStatus applies a lifecycle transition, enforcing the state
// machine: initializing→ready/error, ready⇄busy, ready/busy→
// disconnected/error, disconnected→ready, anything→shutdown.
func (n *Node) setStatus(to fabric.NodeStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	from := n.status
	if from == to {
		return nil
	}
	if from == fabric.NodeShutdown {
		return fmt.Errorf("%w: %s → %s", fabric.ErrInvalidState, from, to)
	}
	if to != fabric.NodeShutdown && !validTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", fabric.ErrInvalidState, from, to)
	}

	n.status = to
	n.logger.Debug("node status changed",
		slog.String("node_id", n.nodeID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

func validTransition(from, to fabric.NodeStatus) bool {
	switch from {
	case fabric.NodeInitializing:
		return to == fabric.NodeReady || to == fabric.NodeError
	case fabric.NodeReady:
		return to == fabric.NodeBusy || to == fabric.NodeDisconnected || to == fabric.NodeError
	case fabric.NodeBusy:
		return to == fabric.NodeReady || to == fabric.NodeDisconnected || to == fabric.NodeError
	case fabric.NodeDisconnected:
		return to == fabric.NodeReady || to == fabric.NodeError
	case fabric.NodeError:
		return to == fabric.NodeReady
	default:
		return false
	}
}

// Info returns the node's current self-description.
func (n *Node) Info() *fabric.NodeInfo {
	return &fabric.NodeInfo{
		ID:            n.nodeID,
		Role:          n.role,
		Status:        n.Status(),
		Addr:          n.Addr(),
		Capabilities:  n.registry.Types(),
		Tasks:         n.queue.Counters(),
		LastHeartbeat: time.Now().UTC(),
	}
}

func (n *Node) helloInfo() wire.HelloResponse {
	return wire.HelloResponse{
		NodeID: n.nodeID.String(),
		Role:   string(n.role),
	}
}

// Start binds the listen address, launches the wire server, and starts
// the role's background loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fabric.ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	listener, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		n.setStatus(fabric.NodeError)
		return fmt.Errorf("bind %s: %w", n.cfg.ListenAddr, err)
	}
	n.listener = listener
	n.mu.Lock()
	n.addr = listener.Addr().String()
	n.mu.Unlock()

	n.httpSrv = &http.Server{Handler: n.server.Handler()}
	go func() {
		if err := n.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("control surface stopped", slog.String("error", err.Error()))
		}
	}()

	if err := n.queue.Start(ctx); err != nil {
		return err
	}

	if n.role == fabric.RoleWorker && n.coordURL != "" {
		if err := n.connectCoordinator(ctx); err != nil {
			return err
		}
		n.wg.Add(1)
		go n.heartbeatLoop()
	}

	if n.role == fabric.RoleCoordinator {
		n.wg.Add(2)
		go n.evictLoop()
		go n.broadcastLoop()
	}

	n.wg.Add(1)
	go n.dispatchLoop()

	if err := n.setStatus(fabric.NodeReady); err != nil {
		return err
	}
	n.logger.Info("node started",
		slog.String("node_id", n.nodeID.String()),
		slog.String("role", string(n.role)),
		slog.String("addr", n.Addr()),
	)
	return nil
}

// Shutdown stops the loops, announces departure to the coordinator,
// notifies hooks, and closes the queue. Idempotent.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.status == fabric.NodeShutdown {
		n.mu.Unlock()
		return nil
	}
	n.status = fabric.NodeShutdown
	n.mu.Unlock()

	close(n.stopCh)
	n.wg.Wait()

	if n.coord != nil {
		leaveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		n.coord.Call(leaveCtx, wire.MethodLeave, wire.LeaveRequest{NodeID: n.nodeID.String()})
		cancel()
		n.coord.Close()
	}

	n.hooks.EmitShutdown(ctx)
	n.server.Shutdown(ctx)
	if n.httpSrv != nil {
		n.httpSrv.Shutdown(ctx)
	}
	n.queue.Close()

	n.logger.Info("node stopped", slog.String("node_id", n.nodeID.String()))
	return nil
}

// SubmitRaw enqueues a task on this node's queue.
func (n *Node) SubmitRaw(ctx context.Context, taskType string, payload []byte, opts ...task.Option) (*task.Task, error) {
	t, err := n.queue.SubmitRaw(ctx, taskType, payload, opts...)
	if err != nil {
		return nil, err
	}
	n.hooks.EmitTaskSubmitted(ctx, t)
	return t, nil
}

// Submit enqueues a typed task payload on a node's queue.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Submit[T any](ctx context.Context, n *Node, taskType string, payload T, opts ...task.Option) (*task.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for task %q: %w", taskType, err)
	}
	return n.SubmitRaw(ctx, taskType, data, opts...)
}

// ──────────────────────────────────────────────────
// Assignment
// ──────────────────────────────────────────────────

func (n *Node) dispatchLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.dispatchPending()
		}
	}
}

// dispatchPending drains the pending partition: each task goes to the
// healthy ready peer with the fewest running tasks whose capabilities
// cover it, falling back to local execution. Stops when neither path
// can take another task.
func (n *Node) dispatchPending() {
	ctx := context.Background()
	for {
		if n.assignRemote(ctx) {
			continue
		}
		if n.runNextLocal(ctx) {
			continue
		}
		return
	}
}

// assignRemote pushes one pending task to the best candidate peer.
func (n *Node) assignRemote(ctx context.Context) bool {
	if n.role != fabric.RoleCoordinator {
		return false
	}

	for _, cand := range n.peers.Candidates("", n.cfg.DeadPeerThreshold) {
		conn, ok := n.server.Connections().GetByNode(cand.ID)
		if !ok {
			continue
		}

		t, ok := n.queue.Next(cand.ID, cand.Capabilities)
		if !ok {
			continue
		}

		frame, err := wire.NewEventFrame(wire.ChannelAssign, wire.TaskAssignRequest{
			TaskID:      t.ID.String(),
			Type:        t.Type,
			Payload:     t.Payload,
			Attempt:     t.Attempts,
			MaxAttempts: t.MaxAttempts,
			TimeoutMs:   t.Timeout.Milliseconds(),
		})
		if err == nil {
			err = conn.Send(frame)
		}
		if err != nil {
			// Push failed before the peer ever saw this task. Requeue
			// just this one; the peer keeps its in-flight tasks and
			// stays registered until heartbeats say otherwise.
			if rqErr := n.queue.Requeue(t.ID); rqErr != nil {
				n.logger.Error("requeue after failed push",
					slog.String("task_id", t.ID.String()),
					slog.String("error", rqErr.Error()),
				)
			}
			n.logger.Warn("assignment push failed",
				slog.String("task_id", t.ID.String()),
				slog.String("peer", cand.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		n.peers.NoteAssigned(cand.ID)
		n.hooks.EmitTaskDispatched(ctx, t, cand.ID)
		n.logger.Debug("task assigned",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", t.Type),
			slog.String("peer", cand.ID.String()),
		)
		return true
	}
	return false
}

// runNextLocal pops one pending task this node can handle and executes
// it in the background.
func (n *Node) runNextLocal(ctx context.Context) bool {
	caps := n.registry.Types()
	if len(caps) == 0 {
		return false
	}
	t, ok := n.queue.Next(n.nodeID, caps)
	if !ok {
		return false
	}

	n.hooks.EmitTaskDispatched(ctx, t, n.nodeID)
	n.running.Add(1)
	go func() {
		defer n.running.Add(-1)
		n.runLocal(context.Background(), t)
	}()
	return true
}

// runLocal executes one attempt and applies the outcome to the queue.
func (n *Node) runLocal(ctx context.Context, t *task.Task) {
	start := time.Now()
	result, err := n.executor.Execute(ctx, t)
	if err != nil {
		n.failTask(ctx, t.ID, err)
		return
	}
	if cerr := n.queue.Complete(ctx, t.ID, result); cerr != nil {
		n.logger.Warn("complete after execution failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", cerr.Error()),
		)
		return
	}
	n.hooks.EmitTaskCompleted(ctx, t, time.Since(start))
}

// failTask records a failed attempt and emits the matching hook:
// retrying while attempts remain, failed once terminal.
func (n *Node) failTask(ctx context.Context, taskID id.TaskID, taskErr error) {
	if err := n.queue.Fail(ctx, taskID, taskErr); err != nil {
		n.logger.Warn("fail after execution failed",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	cur, err := n.queue.Get(taskID)
	if err != nil {
		return
	}
	if cur.Status.Terminal() {
		n.hooks.EmitTaskFailed(ctx, cur, taskErr)
		return
	}
	n.hooks.EmitTaskRetrying(ctx, cur, cur.Attempts)
}
