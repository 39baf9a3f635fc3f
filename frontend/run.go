package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tcassar-diss/nethook/bpf"
	"github.com/tcassar-diss/nethook/bpf/netext"
	"github.com/tcassar-diss/nethook/wfp/sim"
)

const shutdownTimeout = 5 * time.Second

// Runtime is a started extension hosted on the in-memory framework, with the
// configured programs attached.
type Runtime struct {
	logger    *zap.SugaredLogger
	cfg       *Config
	Framework *sim.Framework
	Registry  *bpf.Registry
	Extension *netext.Extension
	Profiler  *bpf.Profiler

	closers []io.Closer
}

// NewRuntime starts the extension and attaches every configured program. On
// failure everything started so far is stopped again.
func NewRuntime(logger *zap.SugaredLogger, cfg *Config, profileDest io.Writer) (*Runtime, error) {
	return newRuntime(logger, cfg, sim.NewFramework(logger), profileDest)
}

func newRuntime(
	logger *zap.SugaredLogger,
	cfg *Config,
	fw *sim.Framework,
	profileDest io.Writer,
) (rt *Runtime, err error) {
	rt = &Runtime{
		logger:    logger,
		cfg:       cfg,
		Framework: fw,
		Registry:  bpf.NewRegistry(logger),
	}

	if profileDest != nil {
		rt.Profiler = bpf.NewProfiler(logger, profileDest)
	}

	rt.Extension, err = netext.New(logger, rt.Framework, rt.Registry, &cfg.Extension)
	if err != nil {
		return nil, fmt.Errorf("failed to create network extension: %w", err)
	}

	if err := rt.Extension.Start(nil); err != nil {
		return nil, fmt.Errorf("failed to start network extension: %w", err)
	}

	started := rt
	defer func() {
		if err != nil {
			err = multierr.Append(err, started.Close())
		}
	}()

	for _, pc := range cfg.Programs {
		pt, err := bpf.ParseProgramType(pc.Hook)
		if err != nil {
			return nil, err
		}

		reg, ok := rt.Registry.Provider(pt)
		if !ok {
			return nil, fmt.Errorf("%w: %s", bpf.ErrProviderNotRegistered, pt)
		}

		_, prog, closer, err := loadProgram(logger, pc, rt.Profiler, reg.Mode())
		if err != nil {
			return nil, err
		}

		if closer != nil {
			rt.closers = append(rt.closers, closer)
		}

		if err := reg.Attach(prog); err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", prog.Name(), err)
		}
	}

	return rt, nil
}

// Close stops the extension and releases loaded objects. Stopping the
// extension detaches every program first.
func (rt *Runtime) Close() error {
	err := rt.Extension.Stop()

	for _, c := range rt.closers {
		err = multierr.Append(err, c.Close())
	}

	rt.closers = nil

	return err
}

// metricsHandler serves the extension's counters alongside the go runtime
// collectors.
func (rt *Runtime) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		netext.NewCollector(rt.Extension),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// LogStats writes the extension's counters as JSON.
func (rt *Runtime) LogStats() {
	bts, err := json.Marshal(rt.Extension.Stats())
	if err != nil {
		rt.logger.Warnw("failed to marshal stats", "err", err)
		return
	}

	rt.logger.Infoln(string(bts))
}

// Run hosts the extension until ctx is cancelled or the process is
// interrupted, serving metrics when configured.
func Run(ctx context.Context, logger *zap.SugaredLogger, cfg *Config) error {
	logger.Infoln("=== Launching nethook ===")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	profileDest, closeProfile, err := openProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	defer closeProfile()

	rt, err := NewRuntime(logger, cfg, profileDest)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	if rt.Profiler != nil {
		eg.Go(func() error {
			return rt.Profiler.Monitor(ctx)
		})
	}

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           rt.metricsHandler(),
			ReadHeaderTimeout: shutdownTimeout,
		}

		eg.Go(func() error {
			logger.Infow("serving metrics", "addr", cfg.Metrics.Listen)

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}

			return nil
		})

		eg.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	<-ctx.Done()
	logger.Infow("shutting down")

	err = eg.Wait()

	rt.LogStats()
	err = multierr.Append(err, rt.Close())

	if rt.Profiler != nil && rt.Profiler.Dropped() > 0 {
		logger.Warnw("profiler dropped samples", "dropped", rt.Profiler.Dropped())
	}

	return err
}

func openProfile(path string) (io.Writer, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create an output file for profiler data: %w", err)
	}

	return f, func() { _ = f.Close() }, nil
}
