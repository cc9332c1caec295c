package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/hivemesh/fabric"
)

// Load watermarks for the auto-scaler. Above the high mark the pool
// grows by one worker per cycle; below the low mark, with more than
// one worker and at least one idle, it shrinks by one.
const (
	scaleUpLoad   = 0.8
	scaleDownLoad = 0.2
)

// Load returns running attempts over total capacity across the pool,
// in [0, 1]. A cluster with no workers reports full load whenever the
// coordinator has pending or running tasks, so the scaler brings the
// first worker up.
func (c *Cluster) Load() float64 {
	coord := c.Coordinator()
	if coord == nil {
		return 0
	}

	c.mu.Lock()
	capacity := len(c.workers) * c.concurrency
	c.mu.Unlock()

	counters := coord.Queue().Counters()
	if capacity == 0 {
		if counters.Pending+counters.Running > 0 {
			return 1
		}
		return 0
	}

	running := 0
	for _, p := range coord.Peers().List() {
		running += p.Tasks.Running
	}
	load := float64(running) / float64(capacity)
	if load > 1 {
		load = 1
	}
	return load
}

func (c *Cluster) monitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ManageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.autoscaleOnce(context.Background())
		}
	}
}

// autoscaleOnce applies one scaling decision based on the current load.
func (c *Cluster) autoscaleOnce(ctx context.Context) {
	load := c.Load()
	count := c.WorkerCount()

	switch {
	case load > scaleUpLoad && count < c.maxWorkers:
		c.logger.Info("scaling up",
			slog.Float64("load", load),
			slog.Int("workers", count),
		)
		if _, err := c.addWorker(ctx); err != nil {
			c.logger.Warn("scale up failed", slog.String("error", err.Error()))
		}

	case load < scaleDownLoad && count > c.minWorkers && count > 1 && c.idleWorkers() > 0:
		c.logger.Info("scaling down",
			slog.Float64("load", load),
			slog.Int("workers", count),
		)
		if err := c.removeWorker(ctx); err != nil {
			c.logger.Warn("scale down failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Cluster) idleWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	idle := 0
	for _, w := range c.workers {
		if w.Status() == fabric.NodeReady {
			idle++
		}
	}
	return idle
}
