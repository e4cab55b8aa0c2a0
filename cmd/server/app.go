package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/executor"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/sandbox"
)

func runServe(path string) error {
	app := newApp(path)
	if err := app.Err(); err != nil {
		return err
	}

	// Start the application
	app.Run()
	return nil
}

func newApp(path string, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		fx.Provide(
			// Config
			func() (*config.Config, error) { return config.Load(path) },

			// Logger with configuration
			logger.NewFromConfig,

			newMetricsRegistry,

			// One sandbox runner per enabled tier
			sandbox.NewRunners,

			newManager,
			newMCPServer,
		),

		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	}
	return fx.New(append(opts, extra...)...)
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newManager(log *zap.Logger, cfg *config.Config, runners map[string]sandbox.Runner, reg *prometheus.Registry) (*executor.Manager, error) {
	return executor.NewManagerFromConfig(log, cfg, runners, reg)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, manager *executor.Manager, reg *prometheus.Registry) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, manager, reg)
}

// registerLifecycle starts the executor before any transport accepts
// requests and stops the transports before draining the executor.
func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	manager *executor.Manager,
	server *mcpserver.MCPServer,
) {
	serveCtx, cancelServe := context.WithCancel(context.Background())

	fail := func(component string, err error) {
		log.Error("server failed", zap.String("component", component), zap.Error(err))
		_ = shutdowner.Shutdown(fx.ExitCode(1))
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := manager.Start(ctx); err != nil {
				return err
			}

			go func() {
				if err := server.ServeOps(); err != nil {
					fail("ops", err)
				}
			}()

			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					err := server.ServeStdio(serveCtx)
					if err != nil && !errors.Is(err, context.Canceled) {
						fail("stdio", err)
						return
					}
					// stdin closed: the client is gone
					_ = shutdowner.Shutdown()
				}()
			case "http":
				go func() {
					if err := server.ServeHTTP(); err != nil {
						fail("http", err)
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelServe()
			return errors.Join(
				server.Shutdown(ctx),
				manager.Stop(ctx),
			)
		},
	})
}
