package app

import (
	"context"
	"fmt"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/zachfi/streamcue/modules/recorder"
	"github.com/zachfi/streamcue/modules/splitter"
	"github.com/zachfi/streamcue/pkg/catalog"
	"github.com/zachfi/streamcue/pkg/segment"
	"github.com/zachfi/streamcue/pkg/tags"
)

const (
	Server    string = "server"
	Segmenter string = "segmenter"

	Recorder string = "recorder"
	Splitter string = "splitter"

	All string = "all"
)

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(kitlog.NewLogfmtLogger(os.Stderr))
	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Segmenter, a.initSegmenter, modules.UserInvisibleModule)

	mm.RegisterModule(Recorder, a.initRecorder)
	mm.RegisterModule(Splitter, a.initSplitter)

	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server:       nil,
		Recorder: {Server, Segmenter},
		Splitter: {Segmenter},

		All: {Recorder},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm

	return nil
}

func (a *App) initSegmenter() (services.Service, error) {
	if err := a.cfg.Segment.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid segment config")
	}

	var opts []segment.Option
	if a.cfg.Catalog.Path != "" {
		c, err := catalog.Open(context.Background(), a.cfg.Catalog.Path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open catalog")
		}
		a.catalog = c
		opts = append(opts, segment.WithCatalog(c))
	}
	a.segmenter = segment.New(a.cfg.Segment, a.logger, tags.ID3{}, opts...)

	running := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}

	stopping := func(_ error) error {
		if a.catalog == nil {
			return nil
		}
		return a.catalog.Close()
	}

	return services.NewBasicService(nil, running, stopping), nil
}

func (a *App) initRecorder() (services.Service, error) {
	r, err := recorder.New(a.cfg.Recorder, a.segmenter, a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Recorder)
	}

	return r, nil
}

func (a *App) initSplitter() (services.Service, error) {
	s, err := splitter.New(a.cfg.Splitter, a.segmenter, a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Splitter)
	}

	return s, nil
}

func (a *App) initServer() (services.Service, error) {
	a.cfg.Server.MetricsNamespace = metricsNamespace
	a.cfg.Server.ExcludeRequestInLog = true
	a.cfg.Server.RegisterInstrumentation = true
	a.cfg.Server.Log = kitlog.NewLogfmtLogger(os.Stderr)

	server, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range a.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}

		return svs
	}

	a.Server = server

	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}

			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		a.logger.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn), nil
}
