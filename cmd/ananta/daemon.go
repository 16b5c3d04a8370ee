package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ananta888/ananta/internal/agentclient"
	"github.com/ananta888/ananta/internal/auth"
	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/config"
	"github.com/ananta888/ananta/internal/connectors"
	"github.com/ananta888/ananta/internal/connectors/localexec"
	"github.com/ananta888/ananta/internal/controlplane"
	"github.com/ananta888/ananta/internal/goalcache"
	"github.com/ananta888/ananta/internal/llm"
	"github.com/ananta888/ananta/internal/logging"
	"github.com/ananta888/ananta/internal/metrics"
	"github.com/ananta888/ananta/internal/modelpool"
	"github.com/ananta888/ananta/internal/scheduler"
	"github.com/ananta888/ananta/internal/store"
	"github.com/ananta888/ananta/internal/toolroute"
	"github.com/ananta888/ananta/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var (
	listenAddr   string
	dbPath       string
	enableWorker bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start an Ananta node",
	Long: `Starts an Ananta node: the HTTP control plane, the archival sweep and,
when worker.enabled is set, the local worker that claims and runs tasks.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config listen)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config db)")
	daemonCmd.Flags().BoolVar(&enableWorker, "worker", false, "Run the local worker regardless of config")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// node is a fully wired Ananta node.
type node struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	caps      *capability.Registry
	router    *toolroute.Router
	service   *controlplane.Service
	server    *controlplane.Server
	scheduler *scheduler.Scheduler
}

// newNode opens the store and wires every component described by cfg.
func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	st, err := store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.MustNew(prometheus.NewRegistry())
	}

	caps := capability.NewRegistry(cfg.Tools.Policy())
	handlers, err := connectors.NewRegistry(localexec.New(cfg.Worker.Workdir, cfg.Worker.AllowedCommands))
	if err != nil {
		st.Close()
		return nil, err
	}
	gateway := connectors.NewGateway(caps, handlers, logger, m)
	cache := goalcache.New(cfg.GoalCache, goalcache.WithObserver(m), goalcache.WithLogger(logger))
	pool := modelpool.NewWithLimits(m, cfg.ModelPool.Limits)
	agents := agentclient.New(agentclient.Config{
		Timeout: cfg.Delegation.Timeout,
		Retry: agentclient.RetryConfig{
			InitialInterval: cfg.Delegation.Retry.InitialInterval,
			MaxInterval:     cfg.Delegation.Retry.MaxInterval,
			MaxElapsed:      cfg.Delegation.Retry.MaxElapsed,
		},
		Breaker: agentclient.BreakerConfig{
			MaxFailures: cfg.Delegation.Breaker.MaxFailures,
			OpenTimeout: cfg.Delegation.Breaker.OpenTimeout,
		},
	}, logger)

	svc := controlplane.NewService(st, controlplane.ConfigFrom(cfg),
		controlplane.WithLogger(logger),
		controlplane.WithMetrics(m),
		controlplane.WithGateway(gateway),
		controlplane.WithGoalCache(cache),
		controlplane.WithModelPool(pool),
		controlplane.WithAgentClient(agents),
	)
	for _, h := range svc.ToolHandlers() {
		if err := handlers.Register(h); err != nil {
			st.Close()
			return nil, err
		}
	}

	tokens := make([]auth.Token, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.Token{Token: t.Token, Subject: t.Subject, Role: t.Role, Admin: t.Admin})
	}
	server := controlplane.NewServer(svc, controlplane.ServerConfig{
		Addr:    cfg.Listen,
		Auth:    auth.NewAuthenticator(tokens, svc.LocalCaller()),
		Metrics: m,
		Logger:  logger,
	})

	router := toolroute.New(cfg.Tools.Routing)
	n := &node{cfg: cfg, logger: logger, store: st, caps: caps, router: router, service: svc, server: server}

	schedCfg := scheduler.FromConfig(cfg)
	if cfg.Worker.Enabled {
		completer, err := newCompleter(cfg.Worker.Provider)
		if err != nil {
			st.Close()
			return nil, err
		}
		w, err := worker.New(worker.Deps{
			Tasks:     svc,
			Gateway:   gateway,
			Cache:     cache,
			Pool:      pool,
			Completer: completer,
			Router:    router,
			Logger:    logger,
		}, svc.LocalCaller(), worker.Config{Provider: cfg.Worker.Provider, Model: cfg.Worker.Model})
		if err != nil {
			st.Close()
			return nil, err
		}
		n.scheduler = scheduler.New(svc, w, schedCfg, scheduler.WithLogger(logger), scheduler.WithGauge(m))
	} else if schedCfg.SweepInterval > 0 {
		n.scheduler = scheduler.New(svc, nil, schedCfg, scheduler.WithLogger(logger))
	}
	return n, nil
}

func newCompleter(provider string) (llm.Completer, error) {
	switch provider {
	case "", "static":
		return llm.Static{}, nil
	default:
		return nil, fmt.Errorf("unsupported worker provider %q", provider)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	if enableWorker {
		cfg.Worker.Enabled = true
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting ananta node", "role", cfg.Role, "agent", cfg.AgentName, "worker", cfg.Worker.Enabled)

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return n.run(ctx)
}

// run serves until ctx is done or the server fails, then shuts every
// component down in order.
func (n *node) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := n.server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if n.scheduler != nil {
		n.scheduler.Start(gctx)
	}

	if watchPath := n.watchPath(); watchPath != "" {
		watcher, err := config.NewWatcher(watchPath, n.applyConfig, config.WithWatchLogger(n.logger))
		if err == nil {
			err = watcher.Start(gctx)
		}
		if err != nil {
			n.logger.Warn("config watch disabled", "path", watchPath, "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		n.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.server.Shutdown(shutdownCtx); err != nil {
			n.logger.Error("http server shutdown", "error", err)
		}
		if n.scheduler != nil {
			n.scheduler.Stop()
		}
		n.service.Wait()
		return nil
	})

	err := g.Wait()
	if cerr := n.store.Close(); cerr != nil {
		n.logger.Error("closing database", "error", cerr)
	}
	n.logger.Info("shutdown complete")
	return err
}

func (n *node) watchPath() string {
	if configPath != "" {
		return configPath
	}
	path := config.UserConfigPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// applyConfig hot-reloads the parts of the config that are safe to swap on
// a running node.
func (n *node) applyConfig(cfg *config.Config) {
	n.caps.Replace(cfg.Tools.Policy())
	n.router.Replace(cfg.Tools.Routing)
	n.logger.Info("tool policy reloaded", "tools", n.caps.Count(), "routing", cfg.Tools.Routing.Enabled)
}
