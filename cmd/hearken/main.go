// Command hearken is the voice satellite: it listens for a wake word on the
// local microphone and streams the following utterance to an assistant bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hearken/internal/app"
	"github.com/MrWong99/hearken/internal/bridge"
	"github.com/MrWong99/hearken/internal/config"
	"github.com/MrWong99/hearken/internal/observe"
	"github.com/MrWong99/hearken/internal/recorder"
	"github.com/MrWong99/hearken/pkg/audio"
	"github.com/MrWong99/hearken/pkg/audio/portaudio"
	"github.com/MrWong99/hearken/pkg/provider/inference"
	"github.com/MrWong99/hearken/pkg/provider/inference/onnx"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	startIdle := flag.Bool("idle", false, "start with the microphone released; activate with POST /activate")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hearken: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hearken: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("hearken starting",
		"version", version,
		"config", *configPath,
		"bridge", cfg.Bridge.URL,
		"wake_word", cfg.WakeWord.Word,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "hearken",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Backends ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	models, err := reg.CreateInference(cfg.WakeWord)
	if err != nil {
		slog.Error("failed to create model runtime", "backend", cfg.WakeWord.Backend, "err", err)
		return 1
	}
	defer func() {
		if err := onnx.Shutdown(); err != nil {
			slog.Warn("model runtime shutdown", "err", err)
		}
	}()

	device, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio system", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}
	if c, ok := device.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("audio system close", "err", err)
			}
		}()
	}

	// ── Bridge ────────────────────────────────────────────────────────────────
	client := bridge.New(cfg.Bridge.URL, bridgeOptions(cfg.Bridge, metrics)...)

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithMetrics(metrics)}
	if dir := cfg.Debug.RecordDir; dir != "" {
		opts = append(opts, app.WithRecorder(recorder.New(afero.NewOsFs(), dir)))
		slog.Info("debug recording enabled", "dir", dir)
	}
	application, err := app.New(cfg, device, models, client, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if err := application.ApplyConfig(d); err != nil {
			slog.Error("config reload", "err", err)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		_ = application.Close()
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*startIdle {
		if err := application.Activate(ctx); err != nil {
			// Capture can be retried through the control endpoint.
			slog.Error("failed to activate audio", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	if cfg.Server.ListenAddr != "-" {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           application.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serve(srv, cfg.Server.TLS) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		slog.Info("http listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)
	}

	slog.Info("satellite ready; press Ctrl+C to shut down")

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	if err := application.Close(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the backends that ship with Hearken into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterInference("onnx", func(c config.WakeWordConfig) (inference.Factory, error) {
		if err := onnx.Init(c.RuntimeLibrary); err != nil {
			return nil, err
		}
		return onnx.Factory, nil
	})

	reg.RegisterAudio("portaudio", func(c config.AudioConfig) (audio.Device, error) {
		dev, err := portaudio.New(portaudio.WithFramesPerBuffer(c.FramesPerBuffer))
		if err != nil {
			return nil, err
		}
		return dev, nil
	})

	for kind, names := range config.ValidBackendNames {
		for _, name := range names {
			slog.Debug("registered backend", "kind", kind, "name", name)
		}
	}
}

func bridgeOptions(c config.BridgeConfig, m *observe.Metrics) []bridge.Option {
	opts := []bridge.Option{
		bridge.WithPingInterval(c.PingInterval),
		bridge.WithPongTimeout(c.PongTimeout),
		bridge.WithOfflinePoll(c.OfflinePoll),
		bridge.WithInboundQueue(c.InboundQueue),
		bridge.WithBackoff(bridge.Backoff{Base: time.Second, Max: c.MaxBackoff}),
		bridge.WithMetrics(m),
		bridge.WithStateHook(func(s bridge.State) {
			slog.Debug("bridge state", "state", s)
		}),
	}
	if c.Token != "" {
		opts = append(opts, bridge.WithToken(c.Token))
	}
	if c.NetworkCheckAddr != "" {
		opts = append(opts, bridge.WithNetworkMonitor(bridge.DialCheck{Addr: c.NetworkCheckAddr}))
	}
	return opts
}

func serve(srv *http.Server, tls *config.TLSConfig) error {
	var err error
	if tls != nil {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http: %w", err)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
