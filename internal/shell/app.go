// Package shell runs the desktop shell's lifecycle around the backend
// sidecar: it starts the child, reports readiness to the front end and makes
// sure every exit path stops the child.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prehisle/pianki/internal/backend"
	"github.com/prehisle/pianki/internal/config"
	"github.com/prehisle/pianki/internal/protocol"
	"github.com/prehisle/pianki/internal/readiness"
	"github.com/prehisle/pianki/internal/realtime"
	"github.com/prehisle/pianki/internal/relay"
	"github.com/prehisle/pianki/internal/watcher"

	"go.uber.org/zap"
)

// shutdownGrace bounds how long Shutdown waits for the output relay to see
// the child's exit.
const shutdownGrace = 3 * time.Second

// Trigger names an event that ends the shell.
type Trigger string

const (
	TriggerWindowCloseRequested Trigger = "window-close-requested"
	TriggerWindowDestroyed      Trigger = "window-destroyed"
	TriggerAppExit              Trigger = "app-exit"
)

// LevelSetter changes the log level at runtime. *logging.Logger fits.
type LevelSetter interface {
	SetLevel(name string) (bool, error)
}

// App is one run of the shell.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	levels     LevelSetter
	stderr     io.Writer
	supervisor *backend.Supervisor
	signal     *readiness.Signal
	rt         *realtime.Server
	watch      *watcher.Watcher

	httpServer *http.Server
	listener   net.Listener

	triggers     chan Trigger
	started      chan struct{}
	probeCancel  context.CancelFunc
	relayDone    chan struct{}
	shutdownOnce sync.Once
}

// Option configures an App.
type Option func(*App)

// WithLauncher replaces the backend launcher.
func WithLauncher(l *backend.Launcher) Option {
	return func(a *App) {
		a.supervisor = backend.NewSupervisor(backend.WithLauncher(l), backend.WithLogger(a.logger))
	}
}

// WithLevelSetter enables log level hot reload from the config file.
func WithLevelSetter(ls LevelSetter) Option {
	return func(a *App) {
		a.levels = ls
	}
}

// WithStderr sets where user-facing startup problems are printed.
func WithStderr(w io.Writer) Option {
	return func(a *App) {
		a.stderr = w
	}
}

// New creates an App. Nothing is started until Run.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		stderr:   os.Stderr,
		signal:   readiness.NewSignal(),
		triggers: make(chan Trigger, 1),
		started:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.supervisor == nil {
		a.supervisor = backend.NewSupervisor(backend.WithLogger(logger))
	}

	a.rt = realtime.New(a.supervisor, cfg.DevMode, logger)
	a.rt.OnWindowEvent(a.handleWindowEvent)
	a.watch = watcher.New(a.reloadConfig, logger)

	a.signal.OnReady(func(port int, source string) {
		a.supervisor.MarkReady(port)
		a.logger.Info("backend ready", zap.Int("port", port), zap.String("source", source))
		a.rt.BroadcastReady(port, source)
	})
	return a
}

// Supervisor returns the backend supervisor.
func (a *App) Supervisor() *backend.Supervisor {
	return a.supervisor
}

// Started is closed once Run has bound its listener and attempted to start
// the backend.
func (a *App) Started() <-chan struct{} {
	return a.started
}

// Addr is the bound front-end bridge address. Valid after Started.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts the shell and blocks until a shutdown trigger: ctx is done
// (application exit), a window asks to close, or the bridge server fails.
// The backend is always stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.Shutdown()

	if err := config.EnsureDataDirs(a.cfg); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Listen, err)
	}
	a.listener = ln
	a.httpServer = &http.Server{Handler: a.rt.Handler()}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	a.logger.Info("bridge listening", zap.String("addr", ln.Addr().String()))

	if path := a.cfg.Path(); path != "" {
		if err := a.watch.Watch(path); err != nil {
			a.logger.Warn("config hot reload disabled", zap.String("path", path), zap.Error(err))
		}
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	a.probeCancel = cancel
	a.startBackend(probeCtx)
	close(a.started)

	select {
	case <-ctx.Done():
		a.Trigger(TriggerAppExit)
		return nil
	case t := <-a.triggers:
		a.logger.Info("shutting down", zap.String("trigger", string(t)))
		return nil
	case err := <-serverErr:
		return fmt.Errorf("bridge server: %w", err)
	}
}

// Trigger stops the backend and ends Run. Safe to call from any goroutine,
// any number of times.
func (a *App) Trigger(t Trigger) {
	a.logger.Debug("shutdown trigger", zap.String("trigger", string(t)))
	a.supervisor.Stop()
	select {
	case a.triggers <- t:
	default:
	}
}

// Shutdown releases everything Run started. Only the first call has effect.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		if a.probeCancel != nil {
			a.probeCancel()
		}
		a.supervisor.Stop()
		a.watch.Shutdown()

		if a.relayDone != nil {
			select {
			case <-a.relayDone:
			case <-time.After(shutdownGrace):
				a.logger.Warn("backend output did not close after stop")
			}
		}

		a.rt.CloseClients()
		if a.httpServer != nil {
			a.httpServer.Close()
		}
	})
}

// launchSpec builds the backend launch description from the config.
func (a *App) launchSpec() backend.LaunchSpec {
	env := []backend.EnvVar{
		{Name: config.EnvDataDir, Value: a.cfg.DataDir},
		{Name: config.EnvPort, Value: strconv.Itoa(a.cfg.Backend.Port)},
	}
	if a.cfg.HasPortRange() {
		env = append(env, backend.EnvVar{
			Name:  config.EnvPortRange,
			Value: fmt.Sprintf("%d-%d", a.cfg.Backend.PortRangeStart, a.cfg.Backend.PortRangeEnd),
		})
	}
	return backend.LaunchSpec{
		Executable: a.cfg.Backend.Executable,
		Args:       a.cfg.Backend.Args,
		Env:        env,
		Enabled:    !a.cfg.DevMode,
	}
}

// startBackend spawns the child and the goroutines that watch it. A spawn
// failure leaves the shell running without a backend.
func (a *App) startBackend(ctx context.Context) {
	events, err := a.supervisor.Start(a.launchSpec())
	switch {
	case errors.Is(err, backend.ErrDisabled):
		a.logger.Info("dev mode: backend is managed externally")
		go a.probe(ctx)
		return

	case err != nil:
		a.logger.Error("backend failed to start", zap.Error(err))
		fmt.Fprintf(a.stderr, "pianki: the backend could not be started (%v).\nThe app will run without it. Details are in %s\n", err, a.cfg.LogFile())
		a.rt.BroadcastError(protocol.ErrBackendUnavailable, err.Error())
		return
	}

	r := relay.New(a.logger, a.signal, a.supervisor)
	r.OnExit(func(runID string, status backend.ExitStatus) {
		a.rt.BroadcastExited(runID, status)
		a.rt.BroadcastStatus()
	})

	a.relayDone = make(chan struct{})
	go func() {
		defer close(a.relayDone)
		r.Run(events)
	}()
	go a.probe(ctx)
}

func (a *App) probe(ctx context.Context) {
	p := &readiness.Probe{
		Host:        a.cfg.Probe.Host,
		Ports:       a.cfg.CandidatePorts(),
		Timeout:     a.cfg.Probe.Timeout.Duration,
		Interval:    a.cfg.Probe.Interval.Duration,
		DialTimeout: a.cfg.Probe.DialTimeout.Duration,
	}
	res := p.Run(ctx)
	if res.Ready {
		a.signal.Mark(res.Port, readiness.SourceProbe)
		return
	}
	if ctx.Err() != nil {
		return
	}
	a.logger.Warn("backend readiness not confirmed by probe",
		zap.Ints("ports", p.Ports),
		zap.Error(res.Err()),
	)
}

func (a *App) handleWindowEvent(msgType, label string) {
	switch msgType {
	case protocol.TypeWindowCloseRequested:
		a.Trigger(TriggerWindowCloseRequested)
	case protocol.TypeWindowDestroyed:
		a.Trigger(TriggerWindowDestroyed)
	}
}

// reloadConfig applies the parts of the config that can change at runtime.
// Everything else is read once per run.
func (a *App) reloadConfig(path string) {
	if a.levels == nil {
		return
	}
	cfg, err := config.Load(path)
	if err != nil {
		a.logger.Warn("config reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	changed, err := a.levels.SetLevel(cfg.Log.Level)
	if err != nil {
		a.logger.Warn("invalid log level in config", zap.String("level", cfg.Log.Level), zap.Error(err))
		return
	}
	if changed {
		a.logger.Info("log level changed", zap.String("level", cfg.Log.Level))
	}
}
