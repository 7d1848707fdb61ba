// Command echoloop plays everything captured on an input device back on an
// output device after a configurable delay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/echoloop/internal/app"
	"github.com/MrWong99/echoloop/internal/config"
	"github.com/MrWong99/echoloop/internal/observe"
	"github.com/MrWong99/echoloop/pkg/audio"
	"github.com/MrWong99/echoloop/pkg/audio/latency"
	"github.com/MrWong99/echoloop/pkg/audio/oto"
	"github.com/MrWong99/echoloop/pkg/audio/portaudio"
	"github.com/MrWong99/echoloop/pkg/audio/virtual"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	latencyMs := flag.Float64("latency", 0, "target latency in milliseconds (overrides pipeline.latency_ms)")
	watch := flag.Duration("watch", config.DefaultWatchInterval, "config file polling interval; 0 disables reloading")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echoloop: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echoloop: %v\n", err)
		}
		return 1
	}
	if *latencyMs != 0 {
		cfg.Pipeline.LatencyMs = *latencyMs
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "echoloop: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("echoloop starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		InputBackend:   cfg.Input.Backend,
		OutputBackend:  cfg.Output.Backend,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	ins, outs := reg.Backends()
	slog.Debug("audio backends available", "input", ins, "output", outs)

	// The -latency override also applies to every reloaded config.
	application, err := app.New(cfg, reg,
		app.WithLogLevel(&level),
		app.WithLatencyOverride(*latencyMs),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	inName, outName := application.Devices()
	slog.Info("using input device", "name", inName)
	slog.Info("using output device", "name", outName)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, application)

	// ── Config reloading ──────────────────────────────────────────────────────
	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, application.OnConfigChange, config.WithInterval(*watch))
		if err != nil {
			slog.Warn("config reloading disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("passthrough running; press Ctrl+C to stop")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// virtualFormat is the default format of virtual devices.
var virtualFormat = audio.Format{SampleRate: 48000, Channels: 2}

// registerBuiltinBackends registers the audio backends that ship with
// echoloop.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterInput("portaudio", func(e config.DeviceEntry) (audio.InputDriver, error) {
		in, err := portaudio.NewInput(e.Device, e.FramesPerBlock)
		if err != nil {
			return nil, err
		}
		return in, nil
	})
	reg.RegisterOutput("portaudio", func(e config.DeviceEntry) (audio.OutputDriver, error) {
		out, err := portaudio.NewOutput(e.Device, e.FramesPerBlock)
		if err != nil {
			return nil, err
		}
		return out, nil
	})

	reg.RegisterOutput("oto", func(e config.DeviceEntry) (audio.OutputDriver, error) {
		f := audio.Format{
			SampleRate: optInt(e.Options, "sample_rate"),
			Channels:   optInt(e.Options, "channels"),
		}
		return oto.NewOutput(f, e.FramesPerBlock), nil
	})

	reg.RegisterInput("virtual", func(e config.DeviceEntry) (audio.InputDriver, error) {
		wave, err := waveform(e.Options)
		if err != nil {
			return nil, err
		}
		name := e.Device
		if name == "" {
			name = "virtual input"
		}
		return virtual.NewInput(name, virtualFormat,
			virtual.WithFramesPerBlock(e.FramesPerBlock),
			virtual.WithWaveform(wave),
		), nil
	})
	reg.RegisterOutput("virtual", func(e config.DeviceEntry) (audio.OutputDriver, error) {
		name := e.Device
		if name == "" {
			name = "virtual output"
		}
		return virtual.NewOutput(name, virtualFormat, virtual.WithFramesPerBlock(e.FramesPerBlock)), nil
	})
}

// waveform builds the signal of a virtual input from its options.
func waveform(opts map[string]any) (virtual.Waveform, error) {
	switch kind := optString(opts, "waveform"); kind {
	case "", "silence":
		return virtual.Silence, nil
	case "tone":
		hz := optFloat(opts, "tone_hz")
		if hz <= 0 {
			hz = 440
		}
		amp := optFloat(opts, "amplitude")
		if amp <= 0 {
			amp = 0.25
		}
		return virtual.Tone(hz, amp), nil
	default:
		return nil, fmt.Errorf("virtual: unknown waveform %q (want silence or tone)", kind)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, a *app.App) {
	in, out := a.Devices()
	f := a.Format()

	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║        echoloop startup summary        ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Input", cfg.Input.Backend+": "+in)
	printRow("Output", cfg.Output.Backend+": "+out)
	printRow("Format", f.String())
	if s, err := latency.Compute(f, cfg.Pipeline.LatencyMs); err == nil {
		printRow("Latency", s.Latency().String())
		printRow("Ring buffer", fmt.Sprintf("%d samples", s.Capacity))
		printRow("Buffer holds", s.BufferDuration().String())
	} else {
		printRow("Latency", "(invalid)")
	}
	if cfg.Server.ListenAddr != config.ListenDisabled {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level follows lvl, so
// config reloads can change it at runtime.
func newLogger(lvl *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a backend Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a backend Options map. YAML decodes whole
// numbers as int, so both int and float64 are accepted. Returns 0 otherwise.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}

// optInt is like optFloat but truncates to an int.
func optInt(opts map[string]any, key string) int {
	return int(optFloat(opts, key))
}
