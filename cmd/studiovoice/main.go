// Command studiovoice runs the Studio Assistant voice server for Corbett
// Design Studio: a realtime speech-to-speech session driven over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/corbettdesign/studiovoice/internal/app"
	"github.com/corbettdesign/studiovoice/internal/config"
	"github.com/corbettdesign/studiovoice/internal/observe"
	"github.com/corbettdesign/studiovoice/internal/resilience"
	"github.com/corbettdesign/studiovoice/internal/voice"
	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/audio/portaudio"
	"github.com/corbettdesign/studiovoice/pkg/audio/wavfile"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
	geminilive "github.com/corbettdesign/studiovoice/pkg/provider/s2s/gemini"
	genailive "github.com/corbettdesign/studiovoice/pkg/provider/s2s/genai"
	oais2s "github.com/corbettdesign/studiovoice/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "studiovoice.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the config; missing is fine")
	watch := flag.Duration("watch", 0, "config reload poll interval (0 uses the default, negative disables reload)")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "studiovoice: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "studiovoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "studiovoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("studiovoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     promReg,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider and device registry ──────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	registerBuiltinDevices(reg)

	provider, err := buildProvider(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}
	devices, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio devices", "device", cfg.Audio.Device, "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogLevel(&level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		app.WithCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownTelemetry(ctx)
		}),
	}
	if *watch >= 0 {
		opts = append(opts, app.WithConfigFile(*configPath, *watch))
	}

	application, err := app.New(cfg, provider, devices, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch >= 0 {
		go reloadOnHangup(ctx, application)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on each SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.ReloadConfig(ctx); err != nil {
				slog.Warn("config reload rejected", "err", err)
			} else {
				slog.Info("config reload requested")
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech-to-speech providers that ship with
// studiovoice into reg. Credentials are not read here: the controller looks
// them up from the environment at each session start.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderConfig) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderConfig) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(opts...), nil
	})

	reg.RegisterS2S("genai-live", func(entry config.ProviderConfig) (s2s.Provider, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		return genailive.New(opts...), nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// registerBuiltinDevices wires the audio backends into reg.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterAudio(config.DevicePortAudio, func(cfg config.AudioConfig) (config.Devices, error) {
		if !portaudio.Available {
			return config.Devices{}, errors.New("portaudio support not compiled in: rebuild with -tags portaudio or set audio.device to wav")
		}
		return config.Devices{
			Microphone: recording(portaudio.NewMicrophone(), cfg.RecordDir),
			Speaker:    portaudio.NewSpeaker(),
		}, nil
	})

	reg.RegisterAudio(config.DeviceWAV, func(cfg config.AudioConfig) (config.Devices, error) {
		mic := &wavfile.Microphone{Path: cfg.InputFile, Loop: cfg.Loop}
		return config.Devices{
			Microphone: recording(mic, cfg.RecordDir),
			Speaker:    &wavfile.Speaker{Dir: cfg.RecordDir},
		}, nil
	})
}

// recording tees captured audio into dir when it is set.
func recording(mic audio.Microphone, dir string) audio.Microphone {
	if dir == "" {
		return mic
	}
	return &wavfile.RecordingMicrophone{Microphone: mic, Dir: dir}
}

// buildProvider creates the primary provider and, when fallbacks are
// configured, wraps it in a failover chain tried in declaration order.
func buildProvider(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (s2s.Provider, error) {
	primary, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Provider.Name)
	if len(cfg.Provider.Fallbacks) == 0 {
		return primary, nil
	}

	chain := resilience.NewS2SFallback(primary, cfg.Provider.Name, resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		IsFailure:    voice.ConnectFailure,
		OnStateChange: func(name string, _, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), "fallback/"+name, to.String())
		},
	})
	for _, fb := range cfg.Provider.Fallbacks {
		p, err := reg.CreateS2S(fb)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered, skipping", "name", fb.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", fb.Name, err)
		}
		chain.AddFallback(fb.Name, p, fb.APIKeyEnv)
		slog.Info("fallback provider created", "kind", "s2s", "name", fb.Name)
	}
	return chain, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      studiovoice: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name, cfg.Provider.Model)
	for _, fb := range cfg.Provider.Fallbacks {
		printRow("Fallback", fb.Name, "")
	}
	printRow("Voice", cfg.Voice.Name, "")
	printRow("Audio", string(cfg.Audio.Device), "")
	printRow("Credential", "$"+cfg.Provider.APIKeyEnv, "")
	if cfg.Session.Autostart {
		printRow("Autostart", "on", "")
	}
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
