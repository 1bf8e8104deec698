// Package notebookd supervises one local notebook server (JupyterLab or the
// classic Notebook) and serves its control API.
//
// App wires the pieces: resolver defaults from configuration, the
// supervisor, optional lifecycle history and settings persistence, and the
// HTTP surface.
package notebookd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/notebookd/internal/config"
	"github.com/loykin/notebookd/internal/control"
	"github.com/loykin/notebookd/internal/history"
	hfactory "github.com/loykin/notebookd/internal/history/factory"
	"github.com/loykin/notebookd/internal/logger"
	"github.com/loykin/notebookd/internal/metrics"
	"github.com/loykin/notebookd/internal/probe"
	"github.com/loykin/notebookd/internal/resolver"
	"github.com/loykin/notebookd/internal/server"
	"github.com/loykin/notebookd/internal/settings"
	"github.com/loykin/notebookd/internal/status"
	"github.com/loykin/notebookd/internal/supervisor"
)

// Re-exported so embedders need not import internal packages.
type (
	Config   = config.Config
	Snapshot = status.Snapshot
	Request  = resolver.Request
	Result   = control.Result
)

func LoadConfig(path string) (Config, error) { return config.Load(path) }

func DefaultConfig() Config { return config.Default() }

type App struct {
	cfg       Config
	log       *slog.Logger
	closers   []io.Closer
	sup       *supervisor.Supervisor
	svc       *control.Service
	settings  settings.Store
	history   *history.Dispatcher
	handler   http.Handler
	closeOnce sync.Once
	closeErr  error
}

// New builds an App from cfg. Nothing is spawned until Start or Run with
// autostart.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &App{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	defaults, err := cfg.LaunchDefaults()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	if cfg.History.Enabled && len(cfg.History.Sinks) > 0 {
		sinks, err := hfactory.NewSinks(cfg.History.Sinks...)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("history: %w", err)
		}
		a.history = history.NewDispatcher(log, cfg.History.Buffer, sinks...)
	}

	a.settings, err = settings.NewFromDSN(ctx, cfg.Settings.DSN)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("settings: %w", err)
	}

	mode, _ := probe.ParseMode(cfg.Supervisor.Readiness)
	opts := supervisor.DefaultOptions()
	opts.Logger = log
	opts.ReadinessTimeout = cfg.Supervisor.ReadinessTimeout
	opts.GracePeriod = cfg.Supervisor.GracePeriod
	opts.CheckInterval = cfg.Supervisor.CheckInterval
	opts.FatalExitWindow = cfg.Supervisor.FatalExitWindow
	opts.MaxRestarts = cfg.Supervisor.MaxRestarts
	opts.RestartDelay = cfg.Supervisor.RestartDelay
	opts.MaxRestartDelay = cfg.Supervisor.MaxRestartDelay
	opts.Readiness = mode
	opts.Marker = cfg.Supervisor.CompiledMarker()
	opts.PIDFile = cfg.Supervisor.PIDFile
	opts.History = a.history
	if cfg.Metrics.Enabled {
		opts.Sampler = metrics.NewSampler()
	}
	opts.OutputWriters = func() (io.WriteCloser, io.WriteCloser, error) {
		return cfg.Log.ProcessWriters("notebook")
	}
	a.sup = supervisor.New(opts)
	a.svc = control.New(a.sup, defaults, a.settings, log)

	r := server.NewRouter(a.svc, server.Options{
		BasePath: cfg.Server.BasePath,
		Settings: a.settings,
		Events:   a.sup,
		Metrics:  cfg.Metrics.Enabled,
		Logger:   log,
	})
	a.handler = r.Handler()
	if cfg.Server.Engine == "echo" {
		a.handler = server.NewEcho(a.handler, cfg.Server.BasePath)
	}
	return a, nil
}

func (a *App) Handler() http.Handler              { return a.handler }
func (a *App) Service() *control.Service          { return a.svc }
func (a *App) Logger() *slog.Logger               { return a.log }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts the HTTP server down and
// stops the notebook server.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := server.NewServer(ln.Addr().String(), a.handler)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.log.Info("control API listening", "addr", ln.Addr().String(), "base", a.cfg.Server.BasePath, "engine", a.cfg.Server.Engine)

	if a.cfg.Notebook.AutoStart {
		go func() {
			res := a.svc.Start(ctx, resolver.Request{})
			if !res.Success {
				a.log.Error("autostart failed", "kind", res.ErrorKind, "error", res.Message)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, a.Close())
}

// Close stops the notebook server and releases every resource. It is safe
// to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() { a.closeErr = a.close() })
	return a.closeErr
}

func (a *App) close() error {
	var errs []error
	if a.sup != nil {
		errs = append(errs, a.sup.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.settings != nil {
		errs = append(errs, a.settings.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}
