// Command fabricd runs one fabric node. With no configuration it
// bootstraps a standalone coordinator; pointed at seeds it elects a
// role and joins the mesh.
//
// Usage:
//
//	fabricd -config fabric.hcl
//	fabricd -mode bootstrap -listen 0.0.0.0:7946
//	fabricd -mode active -seeds http://coordinator:7946
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/config"
	"github.com/hivemesh/fabric/history"
	historyredis "github.com/hivemesh/fabric/history/redis"
	"github.com/hivemesh/fabric/hook"
	"github.com/hivemesh/fabric/middleware"
	"github.com/hivemesh/fabric/node"
	"github.com/hivemesh/fabric/observability"
	"github.com/hivemesh/fabric/sched"
	"github.com/hivemesh/fabric/service"
	"github.com/hivemesh/fabric/stream"
	"github.com/hivemesh/fabric/swarm"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the HCL configuration file")
		mode       = flag.String("mode", "", "bootstrap | passive | active | mesh (overrides config)")
		listen     = flag.String("listen", "", "listen address (overrides config)")
		seedList   = flag.String("seeds", "", "comma-separated seed URLs (overrides config)")
		logLevel   = flag.String("log-level", "", "debug | info | warn | error")
	)
	flag.Parse()

	if err := run(*configPath, *mode, *listen, *seedList, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "fabricd:", err)
		os.Exit(1)
	}
}

func run(configPath, modeFlag, listenFlag, seedFlag, levelFlag string) error {
	file := &config.File{}
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		file = loaded
	}
	if modeFlag != "" {
		file.Mode = modeFlag
	}
	if listenFlag != "" {
		file.ListenAddr = listenFlag
	}
	if seedFlag != "" {
		file.Seeds = strings.Split(seedFlag, ",")
	}
	if levelFlag != "" {
		file.LogLevel = levelFlag
	}

	logger := newLogger(file.LogLevel)
	cfg, err := file.FabricConfig()
	if err != nil {
		return err
	}

	store, closeStore, err := historyStore(file, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hooks := hook.NewRegistry(logger)
	hooks.Register(observability.NewMetrics())

	broker := stream.NewBroker(logger)
	nodeOpts := []node.Option{
		node.WithBroker(broker),
		node.WithHooks(hooks),
		node.WithRecorder(history.NewRecorder(store, history.WithRecorderLogger(logger))),
		node.WithMiddleware(middleware.Recover(logger), middleware.Metrics(), middleware.Tracing()),
	}
	if file.AuthToken != "" {
		nodeOpts = append(nodeOpts, node.WithAuthToken(file.AuthToken))
	}

	swarmOpts := []swarm.Option{
		swarm.WithLogger(logger),
		swarm.WithSeeds(file.Seeds...),
		swarm.WithNodeOptions(nodeOpts...),
	}
	if file.Name != "" {
		swarmOpts = append(swarmOpts, swarm.WithIdentity(file.Name, file.Version))
	}
	if file.Adaptive {
		swarmOpts = append(swarmOpts, swarm.WithAdaptive())
	}
	if file.GPU {
		swarmOpts = append(swarmOpts, swarm.WithGPU())
	}

	s := swarm.New(cfg, swarmMode(file.Mode), swarmOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}

	n := s.Node()
	logger.Info("fabricd started",
		slog.String("node_id", n.ID().String()),
		slog.String("role", string(s.Role())),
		slog.String("addr", n.Addr()),
	)

	scheduler, err := startScheduler(ctx, file, n, logger)
	if err != nil {
		shutdownErr := s.Shutdown(context.Background())
		if shutdownErr != nil {
			logger.Warn("shutdown failed", slog.String("error", shutdownErr.Error()))
		}
		return err
	}

	var mgr *service.Manager
	if s.Role() == fabric.RoleCoordinator {
		mgr, err = startServices(ctx, file, n, logger)
		if err != nil {
			logger.Warn("service registration failed", slog.String("error", err.Error()))
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if scheduler != nil {
		scheduler.Stop()
	}
	if mgr != nil {
		mgr.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// swarmMode maps the configured mode onto an election mode. The
// role-style names pin the role directly: a coordinator bootstraps, a
// worker stays passive.
func swarmMode(mode string) swarm.Mode {
	switch mode {
	case "", "bootstrap", "coordinator":
		return swarm.ModeBootstrap
	case "passive", "worker":
		return swarm.ModePassive
	case "active":
		return swarm.ModeActive
	case "mesh":
		return swarm.ModeMesh
	default:
		return swarm.ModeBootstrap
	}
}

// historyStore builds the terminal-task audit store: Redis when
// configured, the bounded in-memory store otherwise.
func historyStore(file *config.File, logger *slog.Logger) (history.Store, func(), error) {
	if file.History == nil || file.History.RedisAddr == "" {
		limit := 0
		if file.History != nil {
			limit = file.History.Limit
		}
		var opts []history.MemoryOption
		if limit > 0 {
			opts = append(opts, history.WithLimit(limit))
		}
		return history.NewMemory(opts...), func() {}, nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: file.History.RedisAddr})
	store := historyredis.New(client, historyredis.WithLogger(logger))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("history redis %s: %w", file.History.RedisAddr, err)
	}
	logger.Info("history backed by redis", slog.String("addr", file.History.RedisAddr))
	return store, func() { client.Close() }, nil
}

// startScheduler registers configured schedules and starts the tick
// loop. Returns nil when no schedules are configured.
func startScheduler(ctx context.Context, file *config.File, n *node.Node, logger *slog.Logger) (*sched.Scheduler, error) {
	defs := file.ScheduleDefinitions()
	if len(defs) == 0 {
		return nil, nil
	}

	scheduler := sched.New(n.SubmitRaw, sched.WithLogger(logger), sched.WithHooks(n.Hooks()))
	for _, def := range defs {
		if _, err := scheduler.Add(def); err != nil {
			return nil, err
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		return nil, err
	}
	logger.Info("scheduler started", slog.Int("schedules", len(defs)))
	return scheduler, nil
}

// startServices attaches a service manager to the coordinator and
// registers the configured clusters.
func startServices(ctx context.Context, file *config.File, n *node.Node, logger *slog.Logger) (*service.Manager, error) {
	inviterOpts := []service.RPCInviterOption{}
	if file.AuthToken != "" {
		inviterOpts = append(inviterOpts, service.WithInviteToken(file.AuthToken))
	}
	mgr := service.NewManager(n.Peers(), service.NewRPCInviter(inviterOpts...),
		service.WithLogger(logger),
		service.WithHooks(n.Hooks()),
	)
	n.AttachServiceManager(service.Adapter{Manager: mgr})
	if err := mgr.Start(ctx); err != nil {
		return mgr, err
	}

	for _, def := range file.ServiceDefinitions() {
		if _, err := mgr.Register(ctx, def); err != nil {
			return mgr, fmt.Errorf("register service %q: %w", def.Name, err)
		}
		logger.Info("service registered", slog.String("service", def.Name))
	}
	return mgr, nil
}
