// Package app wires the studiovoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the voice controller,
// health checks, and HTTP control surface from the config; Run serves them
// until the context ends; Shutdown tears everything down in order.
//
// Providers and devices are built by main.go through the config registry and
// passed in, so tests can inject mocks directly.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corbettdesign/studiovoice/internal/config"
	"github.com/corbettdesign/studiovoice/internal/health"
	"github.com/corbettdesign/studiovoice/internal/observe"
	"github.com/corbettdesign/studiovoice/internal/resilience"
	"github.com/corbettdesign/studiovoice/internal/server"
	"github.com/corbettdesign/studiovoice/internal/voice"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
)

// httpShutdownTimeout bounds graceful HTTP shutdown once Run's context ends.
const httpShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	devices config.Devices

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	listener       net.Listener

	configPath     string
	configInterval time.Duration

	// Subsystems, initialised in New and torn down in Shutdown.
	breaker    *resilience.CircuitBreaker
	ctrl       *voice.Controller
	server     *server.Server
	httpServer *http.Server
	watcher    *config.Watcher

	mu         sync.Mutex
	currentCfg *config.Config

	ctrlOpts []voice.Option

	// closers are called in order during Shutdown. userClosers run last.
	closers     []func() error
	userClosers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads adjust lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves HTTP on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithConfigFile watches path and applies changes to future sessions.
// A zero interval uses the watcher default.
func WithConfigFile(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.configInterval = interval
	}
}

// WithCloser registers fn to run during Shutdown after the controller is
// closed. Used for device and telemetry cleanup owned by the caller.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.userClosers = append(a.userClosers, fn) }
}

// WithControllerOptions passes extra options to the voice controller.
func WithControllerOptions(opts ...voice.Option) Option {
	return func(a *App) { a.ctrlOpts = append(a.ctrlOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App around provider and devices.
func New(cfg *config.Config, provider s2s.Provider, devices config.Devices, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: provider is required")
	}
	if devices.Microphone == nil || devices.Speaker == nil {
		return nil, errors.New("app: microphone and speaker are required")
	}

	a := &App{
		cfg:        cfg,
		devices:    devices,
		currentCfg: cfg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Circuit breaker ───────────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "s2s-connect",
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		IsFailure:    voice.ConnectFailure,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})

	// ── 2. Voice controller ──────────────────────────────────────────────
	ctrlOpts := append([]voice.Option{
		voice.WithSettings(SettingsFrom(cfg)),
		voice.WithBreaker(a.breaker),
		voice.WithMetrics(a.metrics),
	}, a.ctrlOpts...)
	a.ctrl = voice.NewController(provider, devices.Microphone, devices.Speaker, ctrlOpts...)
	a.closers = append(a.closers, a.ctrl.Close)

	// ── 3. HTTP control surface ──────────────────────────────────────────
	hc := health.New(
		health.WithCheckers(
			health.SessionChecker(a.ctrl),
			health.BreakerChecker(a.breaker),
		),
		health.WithState(func() string { return a.ctrl.State().String() }),
	)
	srvOpts := []server.Option{
		server.WithHealth(hc),
		server.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(a.ctrl, srvOpts...)
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig, config.WithInterval(a.configInterval))
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	a.closers = append(a.closers, a.userClosers...)
	return a, nil
}

// SettingsFrom maps the config blocks read at each session start onto
// [voice.Settings].
func SettingsFrom(cfg *config.Config) voice.Settings {
	return voice.Settings{
		APIKeyEnv:           cfg.Provider.APIKeyEnv,
		Model:               cfg.Provider.Model,
		Voice:               cfg.Voice.Name,
		Instructions:        cfg.Voice.Instructions,
		OutputTranscription: cfg.Voice.Transcription(),
		ConnectTimeout:      cfg.Session.ConnectTimeout,
	}
}

// Controller returns the voice controller.
func (a *App) Controller() *voice.Controller { return a.ctrl }

// Handler returns the HTTP handler serving the control surface.
func (a *App) Handler() http.Handler { return a.server }

// Config returns the most recently applied config.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentCfg
}

// ErrNoConfigFile is returned by [App.ReloadConfig] when the app was built
// without [WithConfigFile].
var ErrNoConfigFile = errors.New("app: no config file to reload")

// ReloadConfig re-reads the config file immediately and applies it. It
// needs [App.Run] to be running.
func (a *App) ReloadConfig(ctx context.Context) error {
	if a.watcher == nil {
		return ErrNoConfigFile
	}
	return a.watcher.Reload(ctx)
}

// ApplyConfig applies a reloaded config. Session settings take effect at the
// next start; the running session keeps its settings. Changes that need a
// restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	a.mu.Lock()
	a.currentCfg = new
	a.mu.Unlock()

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.SetSettings(SettingsFrom(new))
		slog.Info("session settings updated; applies to the next session",
			"voice", d.VoiceChanged,
			"instructions", d.InstructionsChanged,
			"model", d.ModelChanged,
			"transcription", d.TranscriptChanged,
			"credential", d.CredentialChanged,
			"connect_timeout", d.TimeoutChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "keys", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control surface, watches the config, and logs state
// transitions until ctx is cancelled. With session.autostart set it starts
// the first session immediately. It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serve() })

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		a.logStateChanges(gctx)
		return nil
	})

	if a.cfg.Session.Autostart {
		g.Go(func() error {
			if err := a.ctrl.Start(gctx); err != nil {
				slog.Error("autostart failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running",
		"listen_addr", a.addr(),
		"provider", a.cfg.Provider.Name,
		"device", a.cfg.Audio.Device,
	)
	return g.Wait()
}

func (a *App) serve() error {
	var err error
	tls := a.cfg.Server.TLS
	switch {
	case a.listener != nil && tls != nil:
		err = a.httpServer.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	case a.listener != nil:
		err = a.httpServer.Serve(a.listener)
	case tls != nil:
		err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	default:
		err = a.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: serve: %w", err)
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

func (a *App) logStateChanges(ctx context.Context) {
	changes, cancel := a.ctrl.StateChanges(16)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-changes:
			if !ok {
				return
			}
			attrs := []any{"from", sc.From, "to", sc.To}
			if sc.Message != "" {
				attrs = append(attrs, "message", sc.Message)
			}
			slog.Info("voice state changed", attrs...)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the config watcher, the voice
// controller (ending any session and releasing devices), then the registered
// closers. It respects the context deadline and is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
