package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/node"
	"github.com/hivemesh/fabric/task"
)

const (
	defaultInitialWorkers    = 2
	defaultMaxWorkers        = 8
	defaultWorkerConcurrency = 4
)

// Cluster manages one coordinator node and an elastic pool of worker
// nodes in the same process. Workers dial the coordinator over
// loopback, so the full wire protocol is exercised even locally.
type Cluster struct {
	cfg      fabric.Config
	logger   *slog.Logger
	registry *task.Registry

	initialWorkers int
	maxWorkers     int
	minWorkers     int
	allowZero      bool
	autoScale      bool
	concurrency    int

	coordOpts  []node.Option
	workerOpts []node.Option

	mu      sync.Mutex
	coord   *node.Node
	workers []*node.Node
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cluster) { c.logger = logger }
}

// WithRegistry sets the task handler registry shared by all workers.
func WithRegistry(r *task.Registry) Option {
	return func(c *Cluster) { c.registry = r }
}

// WithInitialWorkers sets how many workers Start launches.
func WithInitialWorkers(n int) Option {
	return func(c *Cluster) { c.initialWorkers = n }
}

// WithMaxWorkers caps the worker pool. Auto-scaling and ScaleTo never
// grow past this.
func WithMaxWorkers(n int) Option {
	return func(c *Cluster) { c.maxWorkers = n }
}

// WithMinWorkers sets the floor the auto-scaler will not shrink below.
func WithMinWorkers(n int) Option {
	return func(c *Cluster) { c.minWorkers = n }
}

// WithAllowZeroWorkers makes a worker-less cluster count as ready; the
// coordinator then executes tasks itself.
func WithAllowZeroWorkers() Option {
	return func(c *Cluster) { c.allowZero = true }
}

// WithAutoScale enables the load-watching monitor loop.
func WithAutoScale() Option {
	return func(c *Cluster) { c.autoScale = true }
}

// WithWorkerConcurrency sets the per-worker capacity used in the load
// calculation.
func WithWorkerConcurrency(n int) Option {
	return func(c *Cluster) { c.concurrency = n }
}

// WithCoordinatorOptions appends options to the coordinator node.
func WithCoordinatorOptions(opts ...node.Option) Option {
	return func(c *Cluster) { c.coordOpts = append(c.coordOpts, opts...) }
}

// WithWorkerOptions appends options to every worker node.
func WithWorkerOptions(opts ...node.Option) Option {
	return func(c *Cluster) { c.workerOpts = append(c.workerOpts, opts...) }
}

// New creates a cluster. Call Start to launch the coordinator and the
// initial worker pool.
func New(cfg fabric.Config, opts ...Option) *Cluster {
	c := &Cluster{
		cfg:            cfg,
		logger:         slog.Default(),
		initialWorkers: defaultInitialWorkers,
		maxWorkers:     defaultMaxWorkers,
		minWorkers:     1,
		concurrency:    defaultWorkerConcurrency,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = task.NewRegistry()
	}
	if c.maxWorkers < 1 {
		c.maxWorkers = 1
	}
	if c.initialWorkers > c.maxWorkers {
		c.initialWorkers = c.maxWorkers
	}
	return c
}

// Coordinator returns the coordinator node, nil before Start.
func (c *Cluster) Coordinator() *node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coord
}

// WorkerCount returns the current worker pool size.
func (c *Cluster) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// Ready reports whether the cluster can accept work: the coordinator
// is up and at least one worker is attached, or zero workers were
// explicitly allowed.
func (c *Cluster) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coord == nil {
		return false
	}
	switch c.coord.Status() {
	case fabric.NodeReady, fabric.NodeBusy:
	default:
		return false
	}
	return len(c.workers) > 0 || c.allowZero
}

// Start launches the coordinator and then the initial workers in
// parallel. Workers that fail to start fail the whole Start.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fabric.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	coordOpts := append([]node.Option{node.WithLogger(c.logger)}, c.coordOpts...)
	if c.allowZero {
		// A worker-less cluster still has to execute tasks somewhere.
		coordOpts = append(coordOpts, node.WithRegistry(c.registry))
	}
	coord := node.New(c.cfg, fabric.RoleCoordinator, coordOpts...)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	c.mu.Lock()
	c.coord = coord
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.initialWorkers; i++ {
		g.Go(func() error {
			_, err := c.addWorker(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	if c.autoScale {
		c.wg.Add(1)
		go c.monitorLoop()
	}

	c.logger.Info("cluster started",
		slog.String("coordinator", coord.ID().String()),
		slog.Int("workers", c.WorkerCount()),
	)
	return nil
}

// ScaleTo grows or shrinks the worker pool to exactly n, clamped to
// [0, MaxWorkers]. Shrinking removes idle workers first.
func (c *Cluster) ScaleTo(ctx context.Context, n int) error {
	if n < 0 {
		n = 0
	}
	if n > c.maxWorkers {
		n = c.maxWorkers
	}

	for c.WorkerCount() < n {
		if _, err := c.addWorker(ctx); err != nil {
			return err
		}
	}
	for c.WorkerCount() > n {
		if err := c.removeWorker(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Submit enqueues a task on the coordinator's queue.
func (c *Cluster) Submit(ctx context.Context, taskType string, payload []byte, opts ...task.Option) (*task.Task, error) {
	coord := c.Coordinator()
	if coord == nil {
		return nil, fabric.ErrNoCoordinator
	}
	return coord.SubmitRaw(ctx, taskType, payload, opts...)
}

// Shutdown stops the monitor, the workers, and finally the
// coordinator.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	select {
	case <-c.stopCh:
		c.mu.Unlock()
		return nil
	default:
	}
	close(c.stopCh)
	workers := c.workers
	c.workers = nil
	coord := c.coord
	c.mu.Unlock()

	c.wg.Wait()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Shutdown(gctx) })
	}
	err := g.Wait()

	if coord != nil {
		if cerr := coord.Shutdown(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *Cluster) addWorker(ctx context.Context) (*node.Node, error) {
	coord := c.Coordinator()
	if coord == nil {
		return nil, fabric.ErrNoCoordinator
	}

	cfg := c.cfg
	cfg.ListenAddr = "127.0.0.1:0"

	opts := append([]node.Option{
		node.WithLogger(c.logger),
		node.WithRegistry(c.registry),
		node.WithCoordinator(coord.WireURL()),
	}, c.workerOpts...)

	w := node.New(cfg, fabric.RoleWorker, opts...)
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	c.mu.Lock()
	c.workers = append(c.workers, w)
	total := len(c.workers)
	c.mu.Unlock()

	c.logger.Info("worker added",
		slog.String("worker", w.ID().String()),
		slog.Int("workers", total),
	)
	return w, nil
}

// removeWorker shuts down one worker, preferring an idle one so that
// in-flight attempts are not interrupted when avoidable.
func (c *Cluster) removeWorker(ctx context.Context) error {
	c.mu.Lock()
	if len(c.workers) == 0 {
		c.mu.Unlock()
		return nil
	}
	victim := len(c.workers) - 1
	for i, w := range c.workers {
		if w.Status() == fabric.NodeReady {
			victim = i
			break
		}
	}
	w := c.workers[victim]
	c.workers = append(c.workers[:victim], c.workers[victim+1:]...)
	total := len(c.workers)
	c.mu.Unlock()

	err := w.Shutdown(ctx)
	c.logger.Info("worker removed",
		slog.String("worker", w.ID().String()),
		slog.Int("workers", total),
	)
	return err
}
