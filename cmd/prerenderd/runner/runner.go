/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
// Package runnable adapts long-running servers to manager.Runnable so the daemon can start and stop them as a group.
// Package runner assembles the prerender daemon: registry, navigation driver, control API, metrics and probes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/prerender-dev/prerender/internal/runnable"
	prtls "github.com/prerender-dev/prerender/internal/tls"
	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/common/observability/profiling"
	"github.com/prerender-dev/prerender/pkg/common/observability/tracing"
	"github.com/prerender-dev/prerender/pkg/prerender/config"
	"github.com/prerender-dev/prerender/pkg/prerender/decider"
	"github.com/prerender-dev/prerender/pkg/prerender/httpnav"
	"github.com/prerender-dev/prerender/pkg/prerender/journal"
	"github.com/prerender-dev/prerender/pkg/prerender/memory"
	"github.com/prerender-dev/prerender/pkg/prerender/metrics"
	"github.com/prerender-dev/prerender/pkg/prerender/registry"
	"github.com/prerender-dev/prerender/pkg/prerender/server"
	"github.com/prerender-dev/prerender/pkg/prerender/taskrunner"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
	"github.com/prerender-dev/prerender/version"
)

// shutdownTimeout bounds how long the registry may take to cancel its candidates on exit.
const shutdownTimeout = 5 * time.Second

var setupLog = ctrl.Log.WithName("setup")

// NewRunner initializes a new daemon Runner and returns its pointer.
func NewRunner() *Runner {
	return &Runner{
		flags:        pflag.CommandLine,
		args:         os.Args[1:],
		promRegistry: prometheus.NewRegistry(),
	}
}

// Runner is used to run the prerender daemon.
type Runner struct {
	flags        *pflag.FlagSet
	args         []string
	promRegistry *prometheus.Registry
}

// daemon holds the assembled components between setup and shutdown.
type daemon struct {
	opts     *server.Options
	logger   logr.Logger
	seq      *taskrunner.Runner
	registry *registry.Registry
	decider  *decider.Decider
	journal  *journal.Journal
	driver   *httpnav.Driver
	watcher  *memory.Watcher
	ready    atomic.Bool
}

func (r *Runner) Run(ctx context.Context) error {
	logging.InitSetupLogging()

	opts := server.NewOptions()
	opts.AddFlags(r.flags)
	if err := r.flags.Parse(r.args); err != nil {
		return err
	}
	if err := opts.Complete(); err != nil {
		setupLog.Error(err, "Failed to complete options")
		return err
	}
	if err := opts.Validate(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}
	logging.InitLogging(&opts.ZapOptions, opts.LogVerbosity)

	setupLog.Info("Prerender build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	flags := make(map[string]any)
	r.flags.VisitAll(func(f *pflag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	if opts.Tracing {
		if err := tracing.InitTracing(ctx, setupLog); err != nil {
			return err
		}
	}

	d, err := r.setup(opts, ctrl.Log)
	if err != nil {
		return err
	}
	return d.run(ctx, r.promRegistry)
}

func loadRegistryConfig(opts *server.Options, logger logr.Logger) (*registry.Config, error) {
	var raw []byte
	switch {
	case opts.ConfigText != "":
		raw = []byte(opts.ConfigText)
	case opts.ConfigFile != "":
		var err error
		if raw, err = os.ReadFile(opts.ConfigFile); err != nil {
			return nil, fmt.Errorf("failed to load config from a file '%s' - %w", opts.ConfigFile, err)
		}
	default:
		return registry.NewConfig()
	}
	return config.LoadConfig(raw, logger)
}

// setup builds every component without starting any of them.
func (r *Runner) setup(opts *server.Options, logger logr.Logger) (*daemon, error) {
	cfg, err := loadRegistryConfig(opts, logger)
	if err != nil {
		setupLog.Error(err, "Failed to load registry configuration")
		return nil, err
	}

	var j *journal.Journal
	if opts.JournalPath == "" {
		j, err = journal.OpenInMemory(logger)
	} else {
		j, err = journal.Open(opts.JournalPath, logger)
	}
	if err != nil {
		setupLog.Error(err, "Failed to open event journal", "path", opts.JournalPath)
		return nil, err
	}

	seq := taskrunner.New()
	driver := httpnav.New(seq, logger,
		httpnav.WithMaxRedirects(opts.MaxRedirects),
		httpnav.WithMaxBodyBytes(opts.MaxBodyBytes))

	regOpts := []registry.RegistryOption{registry.WithTracerProvider(otel.GetTracerProvider())}
	if !opts.DisableMemoryWatch {
		regOpts = append(regOpts, registry.WithMemoryMonitor(memory.NewProcSampler()))
	}
	reg, err := registry.New(cfg, seq, driver, logger, regOpts...)
	if err != nil {
		setupLog.Error(err, "Failed to create registry")
		return nil, errors.Join(err, j.Close())
	}
	driver.Bind(reg)

	dec := decider.New(reg, logger)
	reg.AddObserver(dec)
	reg.AddObserver(j.Observer(reg.ID()))
	r.promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsObserver, err := metrics.NewObserver(r.promRegistry)
	if err != nil {
		setupLog.Error(err, "Failed to register metrics")
		return nil, errors.Join(err, j.Close())
	}
	reg.AddObserver(metricsObserver)

	if visibility, _ := types.ParseVisibility(opts.InitialVisibility); visibility != types.VisibilityVisible {
		seq.Post(func() {
			if err := reg.OnContainerVisibilityChanged(visibility); err != nil {
				logger.Error(err, "Failed to apply initial visibility", "visibility", visibility)
			}
		})
	}

	d := &daemon{
		opts:     opts,
		logger:   logger,
		seq:      seq,
		registry: reg,
		decider:  dec,
		journal:  j,
		driver:   driver,
	}
	if !opts.DisableMemoryWatch {
		d.watcher, err = memory.NewWatcher(opts.MemoryWatcher, memory.NewProcSampler(), clock.RealClock{}, logger,
			func(level types.MemoryPressureLevel) {
				seq.Post(func() {
					if err := reg.OnMemoryPressureChanged(level); err != nil {
						logger.Error(err, "Failed to apply memory pressure", "level", level)
					}
				})
			})
		if err != nil {
			setupLog.Error(err, "Failed to create memory watcher")
			return nil, errors.Join(err, j.Close())
		}
	}
	return d, nil
}

// run serves until ctx is done or a server fails, then shuts the registry down.
func (d *daemon) run(ctx context.Context, promRegistry *prometheus.Registry) error {
	seqCtx, stopSeq := context.WithCancel(context.Background())
	seqDone := make(chan struct{})
	go func() {
		defer close(seqDone)
		d.seq.Run(seqCtx)
	}()

	runnables, err := d.runnables(ctx, promRegistry)
	if err != nil {
		stopSeq()
		<-seqDone
		return errors.Join(err, d.journal.Close())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rn := range runnables {
		g.Go(func() error { return rn.Start(gctx) })
	}
	if d.watcher != nil {
		g.Go(func() error {
			d.watcher.Run(gctx)
			return nil
		})
	}
	d.ready.Store(true)
	setupLog.Info("Prerender daemon started", "registryID", d.registry.ID())

	<-gctx.Done()
	d.ready.Store(false)
	setupLog.Info("Prerender daemon shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var shutdownErr error
	if err := d.seq.Do(shutdownCtx, func() {
		shutdownErr = d.registry.Shutdown(types.FinalStatusTabClosedWithoutUserGesture)
	}); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	d.driver.Close()
	stopSeq()
	<-seqDone

	serveErr := g.Wait()
	if err := errors.Join(serveErr, shutdownErr, d.journal.Close()); err != nil {
		setupLog.Error(err, "Prerender daemon stopped with errors")
		return err
	}
	return nil
}

func (d *daemon) runnables(ctx context.Context, promRegistry *prometheus.Registry) ([]manager.Runnable, error) {
	healthSrv := grpc.NewServer()
	healthPb.RegisterHealthServer(healthSrv, &healthServer{
		logger: d.logger.WithName("health"),
		ready:  &d.ready,
	})

	api := &http.Server{
		Handler:           server.NewHandler(d.seq, d.registry, d.decider, d.journal, d.logger, d.opts.ActivationTimeout).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if d.opts.SecureServing {
		tlsConfig, err := prtls.ServerConfig(ctx, d.opts.CertPath, d.logger)
		if err != nil {
			setupLog.Error(err, "Failed to create TLS configuration")
			return nil, err
		}
		api.TLSConfig = tlsConfig
	}

	metricsMux := chi.NewRouter()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{
		ErrorLog: promErrorLogger{d.logger.WithName("metrics")},
	}))
	if d.opts.EnablePprof {
		profiling.SetupPprofHandlers(metricsMux)
	}
	metricsSrv := &http.Server{Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	return []manager.Runnable{
		runnable.GRPCServer("health", healthSrv, d.opts.GRPCHealthPort),
		runnable.HTTPServer("control-api", api, d.opts.HTTPPort),
		runnable.HTTPServer("metrics", metricsSrv, d.opts.MetricsPort),
	}, nil
}

// promErrorLogger adapts logr to the promhttp error logger.
type promErrorLogger struct {
	logger logr.Logger
}

func (l promErrorLogger) Println(v ...any) {
	l.logger.Error(fmt.Errorf("%s", fmt.Sprint(v...)), "Failed to serve metrics")
}
