package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/jobserver/internal/api"
	"github.com/mattjoyce/jobserver/internal/auth"
	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/events"
	"github.com/mattjoyce/jobserver/internal/handler"
	"github.com/mattjoyce/jobserver/internal/lock"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/metrics"
	"github.com/mattjoyce/jobserver/internal/plugin"
	"github.com/mattjoyce/jobserver/internal/scheduler"
	"github.com/mattjoyce/jobserver/internal/server"
	"github.com/mattjoyce/jobserver/internal/webhook"
)

const eventHistory = 256

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitCodeFor(err)
	}

	closeLog, err := log.Setup(log.Options{
		Level:  cfg.Service.LogLevel,
		Format: cfg.Service.LogFormat,
		Path:   cfg.Service.LogPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return exitConfigInvalid
	}
	defer closeLog()

	logger := log.WithComponent("main")
	logger.Info("jobserver starting", "version", version, "config", cfg.SourcePath)

	pidLock, err := lock.Acquire(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", cfg.Service.LockPath, "error", err)
		if errors.Is(err, lock.ErrLocked) {
			return exitLocked
		}
		return exitFailure
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := serve(context.Background(), cfg, logger, sigCh)
	logger.Info("jobserver stopped", "exit_code", code)
	return code
}

// component is a listener or loop supervised next to the server. run must
// return nil once ctx is done.
type component struct {
	name string
	run  func(ctx context.Context) error
}

// serve wires everything cfg describes and runs it until a signal arrives
// on sigCh or a component fails. The server always drains before serve
// returns.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, sigCh <-chan os.Signal) int {
	m := metrics.New()
	hub := events.NewHub(eventHistory)

	store, err := connector.Open(cfg.Connector, log.WithComponent("connector"))
	if err != nil {
		logger.Error("failed to load connector", "type", cfg.Connector.Type, "error", err)
		return exitCodeFor(err)
	}
	defer store.Close()

	srv, code := buildServer(cfg, store, hub, m, logger)
	if code != exitOK {
		return code
	}

	comps, err := buildComponents(cfg, store, srv, hub, m)
	if err != nil {
		logger.Error("invalid component configuration", "error", err)
		return exitConfigInvalid
	}

	srvCtx, cancelSrv := context.WithCancel(ctx)
	defer cancelSrv()
	compCtx, cancelComps := context.WithCancel(ctx)
	defer cancelComps()
	g, gctx := errgroup.WithContext(compCtx)

	var runErr error
	g.Go(func() error {
		// Listeners stay up while the server drains and stop after it.
		defer cancelComps()
		runErr = srv.Run(srvCtx)
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig.String())
			srv.Stop()
		case <-gctx.Done():
		}
		cancelSrv()
		return nil
	})
	for _, c := range comps {
		g.Go(func() error {
			if err := c.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", c.name, err)
			}
			return nil
		})
		logger.Info("component enabled", "component", c.name)
	}

	logger.Info("jobserver running", "handlers", len(srv.Handlers()), "components", len(comps))
	compErr := g.Wait()

	switch {
	case runErr != nil:
		logger.Error("server failed", "error", runErr)
		return exitCodeFor(runErr)
	case compErr != nil:
		logger.Error("component failed", "error", compErr)
		return exitUnknown
	}
	return exitOK
}

// buildServer loads the job catalog, builds the configured handlers and
// registers them on a new server.
func buildServer(cfg *config.Config, store connector.Connector, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) (*server.Server, int) {
	cat := plugin.NewCatalog()
	var roots []string
	if cfg.PluginsDir != "" {
		roots = append(roots, cfg.PluginsDir)
	}
	reg, err := plugin.DiscoverInto(cat, roots, log.WithComponent("plugin"))
	if err != nil {
		logger.Error("failed to load jobs", "plugins_dir", cfg.PluginsDir, "error", err)
		return nil, exitJobLoad
	}
	logger.Info("job catalog ready", "types", cat.Types(), "plugins", len(reg.All()))

	handlers := plugin.BuildHandlers(cfg.RequestHandlers, cat, log.WithComponent("handler"), m)
	if code := checkHandlers(handlers, len(cfg.RequestHandlers)); code != exitOK {
		logger.Error("no usable request handler", "configured", len(cfg.RequestHandlers), "exit_code", code)
		return nil, code
	}

	srv := server.New(store,
		server.WithLogger(log.WithComponent("server")),
		server.WithMaxJobs(cfg.Service.MaxJobs),
		server.WithPollInterval(cfg.Service.PollInterval),
		server.WithDrain(cfg.Service.Drain.Wait, cfg.Service.Drain.Timeout),
		server.WithEvents(hub),
		server.WithMetrics(m),
	)
	for _, h := range handlers {
		srv.RegisterHandler(h)
		logger.Info("request handler registered", "handler", h.Name(), "types", h.Types())
	}
	return srv, exitOK
}

// checkHandlers reports why handlers cannot serve any request. The fallback
// does not count as a handler.
func checkHandlers(hs []handler.Handler, configured int) int {
	built, jobs := 0, 0
	for _, h := range hs {
		if h.Name() == handler.KindFallback {
			continue
		}
		built++
		jobs += len(h.Types())
	}
	switch {
	case built == 0 && configured > 0:
		return exitHandlerLoad
	case built == 0:
		return exitNoHandler
	case jobs == 0:
		return exitNoJob
	}
	return exitOK
}

// buildComponents returns the optional API, webhook and scheduler
// components enabled in cfg.
func buildComponents(cfg *config.Config, store connector.Store, srv *server.Server, hub *events.Hub, m *metrics.Metrics) ([]component, error) {
	var comps []component

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.Auth.APIKey,
			Tokens:      auth.TokensFromConfig(cfg.API.Auth.Tokens),
			SubmitRPS:   cfg.API.SubmitRPS,
			SubmitBurst: cfg.API.SubmitBurst,
		}, store, srv, hub, m, log.WithComponent("api"))
		comps = append(comps, component{name: "api", run: apiServer.Start})
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		wc, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			return nil, err
		}
		wh := webhook.New(wc, store, hub, m, log.WithComponent("webhook"))
		comps = append(comps, component{name: "webhook", run: wh.Start})
	}

	if len(cfg.Schedules) > 0 {
		sched := scheduler.New(cfg.Schedules, store, hub, m, log.WithComponent("scheduler"))
		comps = append(comps, component{name: "scheduler", run: sched.Run})
	}

	return comps, nil
}
