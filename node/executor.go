package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/middleware"
	"github.com/hivemesh/fabric/task"
)

// Executor runs one task attempt through the middleware chain and the
// local handler registry. Both roles use it: workers for pushed
// assignments, coordinators for the local-execution fallback. Lifecycle
// hooks are emitted by the node around queue transitions, not here.
type Executor struct {
	registry *task.Registry
	chain    middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an executor. When no middleware is given, the
// standard chain applies: recover, logging, timeout.
func NewExecutor(registry *task.Registry, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if len(mws) == 0 {
		mws = []middleware.Middleware{
			middleware.Recover(logger),
			middleware.Logging(logger),
			middleware.Timeout(logger),
		}
	}
	return &Executor{
		registry: registry,
		chain:    middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs one attempt of the task. The returned bytes are the
// task result; an error means the attempt failed and the queue's retry
// policy decides what happens next.
func (e *Executor) Execute(ctx context.Context, t *task.Task) ([]byte, error) {
	handler, ok := e.registry.Get(t.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", fabric.ErrNoHandler, t.Type)
	}

	var result []byte
	run := func(ctx context.Context) error {
		out, err := handler(ctx, t.Payload)
		result = out
		return err
	}

	if err := e.chain(ctx, t, run); err != nil {
		return nil, err
	}
	return result, nil
}
