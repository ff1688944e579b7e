package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"

	"github.com/zachfi/streamcue/pkg/catalog"
	"github.com/zachfi/streamcue/pkg/segment"
)

const metricsNamespace = "streamcue"

type App struct {
	cfg    Config
	logger *slog.Logger

	Server    *server.Server
	segmenter *segment.Segmenter
	catalog   *catalog.Catalog

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New creates the app for the configured target. Modules are only built by
// Run.
func New(cfg Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
	}

	if a.cfg.Target == "" {
		a.cfg.Target = All
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "failed to setup module manager")
	}

	if !a.ModuleManager.IsUserVisibleModule(a.cfg.Target) {
		names := a.ModuleManager.UserVisibleModuleNames()
		sort.Strings(names)
		return nil, fmt.Errorf("unknown target %q, expected one of: %s", a.cfg.Target, strings.Join(names, ", "))
	}

	return a, nil
}

// Run starts the target and its dependencies and blocks until they stop,
// either on a signal, a module failing, or a one-shot module finishing.
func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	a.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	healthy := func() { a.logger.Info("started", "target", a.cfg.Target) }
	stopped := func() { a.logger.Info("stopped", "target", a.cfg.Target) }
	serviceFailed := func(service services.Service) {
		// One module down takes the rest with it.
		sm.StopAsync()

		module := "unknown"
		for m, s := range serviceMap {
			if s == service {
				module = m
				break
			}
		}

		if errors.Is(service.FailureCase(), modules.ErrStopProcess) {
			a.logger.Info("module finished", "module", module)
			return
		}
		a.logger.Error("module failed", "module", module, "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// A signal stops the manager, which stops every module.
	handler := signals.NewHandler(kitlog.NewLogfmtLogger(os.Stderr))
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	if err := sm.AwaitStopped(context.Background()); err != nil {
		return err
	}
	handler.Stop()

	for m, s := range serviceMap {
		if s.State() == services.Failed && !errors.Is(s.FailureCase(), modules.ErrStopProcess) {
			return fmt.Errorf("module %s failed: %w", m, s.FailureCase())
		}
	}
	return nil
}
