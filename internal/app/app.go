// ABOUTME: Top-level wiring for the harbormaster server process.
// ABOUTME: Builds store, runtime, registry, health and chat layers explicitly and runs the HTTP server.

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/harborline/harbormaster/internal/api"
	"github.com/harborline/harbormaster/internal/chat"
	"github.com/harborline/harbormaster/internal/config"
	"github.com/harborline/harbormaster/internal/health"
	"github.com/harborline/harbormaster/internal/registry"
	"github.com/harborline/harbormaster/internal/sandbox"
	"github.com/harborline/harbormaster/internal/store"
	"github.com/harborline/harbormaster/internal/tasks"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-lived component. There are no package-level
// singletons: everything is built here and torn down in reverse order.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	runtime  *sandbox.DockerRuntime
	registry *registry.Registry
	health   *health.Manager
	tasks    *tasks.Runner
	chat     *chat.Service
	server   *http.Server
}

// New builds the full component graph from configuration. Nothing is
// started yet; Run drives the lifecycle.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	runtime, err := sandbox.NewDockerRuntime(logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating container runtime: %w", err)
	}

	reg := registry.New(st, runtime, registry.Options{
		RequestTimeout:   cfg.Gateways.RequestTimeout,
		HandshakeTimeout: cfg.Gateways.HandshakeTimeout,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		SendTimeout:      cfg.Gateways.SendTimeout,
		Network:          cfg.Sandbox.Network,
	}, logger)

	healthMgr := health.NewManager(st, reg, health.Options{
		Interval:         cfg.Health.Interval,
		RecoveryInterval: cfg.Health.RecoveryInterval,
		FailureThreshold: cfg.Health.FailureThreshold,
		MaxConcurrent:    cfg.Health.MaxConcurrent,
	}, logger)

	runner := tasks.NewRunner(tasks.DefaultWorkers, tasks.DefaultQueueSize, logger)
	chatSvc := chat.NewService(st, reg, runtime, runner, chat.Options{}, logger)

	apiSrv := api.NewServer(chatSvc, reg, st, []byte(cfg.Auth.JWTSecret), logger)
	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:      cfg,
		logger:   logger.With("component", "app"),
		store:    st,
		runtime:  runtime,
		registry: reg,
		health:   healthMgr,
		tasks:    runner,
		chat:     chatSvc,
		server:   server,
	}, nil
}

// Run starts the server and blocks until ctx is canceled or the listener
// fails. Known instances are reconnected in the background so startup is
// not held hostage by unreachable gateways.
func (a *App) Run(ctx context.Context) error {
	go a.registry.RestoreAll(ctx)
	a.health.Start()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		a.logger.Info("shutting down")
		a.shutdown()
		return nil
	}
}

// shutdown tears components down in reverse build order.
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", "error", err)
	}
	a.health.Close()
	a.tasks.Close()
	a.registry.Close()
	if err := a.runtime.Close(); err != nil {
		a.logger.Warn("runtime close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}
