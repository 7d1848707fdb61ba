// Package app wires all echoloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the audio drivers from
// the config registry and negotiates a stream format, Run keeps the
// passthrough pipeline and the observability endpoint alive, and Shutdown
// releases the drivers.
//
// Config changes delivered through [App.OnConfigChange] are applied while
// running: the log level in place, anything touching the pipeline or the
// devices by stopping the pipeline and starting it again with a fresh queue.
//
// For testing, register mock drivers in the [config.Registry] and inject
// metrics via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoloop/internal/config"
	"github.com/MrWong99/echoloop/internal/health"
	"github.com/MrWong99/echoloop/internal/observe"
	"github.com/MrWong99/echoloop/internal/pipeline"
	"github.com/MrWong99/echoloop/pkg/audio"
)

// serverShutdownTimeout bounds how long in-flight HTTP requests may take once
// Run is winding down.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the echoloop passthrough.
type App struct {
	reg      *config.Registry
	metrics  *observe.Metrics
	level    *slog.LevelVar
	onEvent  func(pipeline.Event)
	handler  http.Handler
	observed metric.Registration

	// reloads carries the latest config requiring a pipeline restart.
	reloads chan *config.Config

	// quit is closed by Shutdown; Run returns once it is.
	quit chan struct{}

	// latencyOverride, when positive, replaces pipeline.latency_ms in every
	// config, including reloaded ones.
	latencyOverride float64

	// mu guards everything below.
	mu       sync.Mutex
	cfg      *config.Config
	in       audio.InputDriver
	out      audio.OutputDriver
	format   audio.Format
	sup      *pipeline.Supervisor
	lostBase uint64

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records through m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the log level of a handler built
// on v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithEventHandler forwards every pipeline overflow/underflow event to fn.
func WithEventHandler(fn func(pipeline.Event)) Option {
	return func(a *App) { a.onEvent = fn }
}

// WithLatencyOverride pins the pipeline latency to ms regardless of what the
// config file says, across reloads too. Values below or equal to 0 are ignored.
func WithLatencyOverride(ms float64) Option {
	return func(a *App) { a.latencyOverride = ms }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates the input and output drivers named in cfg from reg, negotiates
// the stream format, and prepares an idle pipeline. Nothing is opened on the
// devices until [App.Run].
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		reg:     reg,
		cfg:     cfg,
		reloads: make(chan *config.Config, 1),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	cfg = a.withOverrides(cfg)
	a.cfg = cfg
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Drivers ───────────────────────────────────────────────────────
	in, out, err := a.createDrivers(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.in, a.out = in, out

	// ── 2. Format ────────────────────────────────────────────────────────
	f, err := audio.Negotiate(in, out, cfg.Pipeline.Format)
	if err != nil {
		closeDrivers(in, out)
		return nil, fmt.Errorf("app: %w", err)
	}
	a.format = f

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	a.sup = a.newSupervisor(cfg)

	// ── 4. Observability ─────────────────────────────────────────────────
	a.observed, err = a.metrics.ObservePipeline(a)
	if err != nil {
		closeDrivers(in, out)
		return nil, fmt.Errorf("app: observe pipeline: %w", err)
	}
	a.handler = a.buildHandler()

	return a, nil
}

func (a *App) createDrivers(cfg *config.Config) (audio.InputDriver, audio.OutputDriver, error) {
	in, err := a.reg.CreateInput(cfg.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("create input %q: %w", cfg.Input.Backend, err)
	}
	out, err := a.reg.CreateOutput(cfg.Output)
	if err != nil {
		closeDrivers(in, nil)
		return nil, nil, fmt.Errorf("create output %q: %w", cfg.Output.Backend, err)
	}
	slog.Info("audio devices selected",
		"input", in.Name(), "input_backend", cfg.Input.Backend,
		"output", out.Name(), "output_backend", cfg.Output.Backend,
	)
	return in, out, nil
}

func (a *App) newSupervisor(cfg *config.Config) *pipeline.Supervisor {
	opts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithEventBuffer(cfg.Pipeline.EventBuffer),
	}
	if a.onEvent != nil {
		opts = append(opts, pipeline.WithEventHandler(a.onEvent))
	}
	return pipeline.New(a.in, a.out, opts...)
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	health.New(a).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics, a)(mux)
}

// closeDrivers releases drivers that hold host resources.
func closeDrivers(in audio.InputDriver, out audio.OutputDriver) error {
	var errs []error
	for _, d := range []any{in, out} {
		if c, ok := d.(io.Closer); ok && c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the passthrough and, unless disabled, the HTTP endpoint, and
// blocks until ctx is cancelled, [App.Shutdown] is called, or the pipeline
// fails. Cancellation and Shutdown are normal endings and return nil.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	a.mu.Lock()
	addr := a.cfg.Server.ListenAddr
	a.mu.Unlock()
	if addr != "" && addr != config.ListenDisabled {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("observability endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// The pipeline ending for any reason ends the whole run.
		defer cancel()
		return a.runPipeline(gctx)
	})

	return g.Wait()
}

// runPipeline runs the supervisor until ctx is done, Shutdown is called, or
// the supervisor is stopped, restarting it for every config reload that
// requires it.
func (a *App) runPipeline(ctx context.Context) error {
	for {
		select {
		case <-a.quit:
			return nil
		default:
		}

		a.mu.Lock()
		sup, f, latencyMs := a.sup, a.format, a.cfg.Pipeline.LatencyMs
		a.mu.Unlock()

		runCtx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- sup.Run(runCtx, f, latencyMs) }()

		select {
		case err := <-errc:
			cancel()
			return err
		case <-a.quit:
			cancel()
			return <-errc
		case next := <-a.reloads:
			cancel()
			if err := <-errc; err != nil {
				slog.Warn("pipeline ended with error during restart", "err", err)
			}
			if err := a.apply(next); err != nil {
				return err
			}
			slog.Info("pipeline restarting with new configuration")
		}
	}
}

// apply installs cfg for the next pipeline run. The previous supervisor must
// already be stopped.
func (a *App) apply(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, cfg)
	if d.DevicesChanged() {
		if err := closeDrivers(a.in, a.out); err != nil {
			slog.Warn("closing previous audio drivers", "err", err)
		}
		in, out, err := a.createDrivers(cfg)
		if err != nil {
			return fmt.Errorf("app: reload: %w", err)
		}
		a.in, a.out = in, out
	}

	f, err := audio.Negotiate(a.in, a.out, cfg.Pipeline.Format)
	if err != nil {
		return fmt.Errorf("app: reload: %w", err)
	}
	a.format = f

	if d.DevicesChanged() || cfg.Pipeline.EventBuffer != a.cfg.Pipeline.EventBuffer {
		a.lostBase += a.sup.LostEvents()
		a.sup = a.newSupervisor(cfg)
	}
	a.cfg = cfg
	return nil
}

// ─── Config reload ───────────────────────────────────────────────────────────

// withOverrides returns cfg with the command-line overrides applied. cfg itself
// is not modified.
func (a *App) withOverrides(cfg *config.Config) *config.Config {
	if a.latencyOverride <= 0 || cfg.Pipeline.LatencyMs == a.latencyOverride {
		return cfg
	}
	c := *cfg
	c.Pipeline.LatencyMs = a.latencyOverride
	return &c
}

// OnConfigChange applies a reloaded config. It has the signature expected by
// [config.NewWatcher] and never blocks.
func (a *App) OnConfigChange(old, updated *config.Config) {
	old, updated = a.withOverrides(old), a.withOverrides(updated)
	d := config.Diff(old, updated)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ListenAddrChanged {
		slog.Warn("server.listen_addr changed; restart echoloop to apply", "listen_addr", updated.Server.ListenAddr)
	}
	if !d.RestartRequired() {
		a.mu.Lock()
		c := *a.cfg
		c.Server.LogLevel = updated.Server.LogLevel
		a.cfg = &c
		a.mu.Unlock()
		return
	}

	// Replace any reload still pending; only the latest config matters.
	select {
	case <-a.reloads:
	default:
	}
	a.reloads <- updated
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(level config.LogLevel) slog.Level {
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

// ─── Observers ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving /healthz, /readyz, and /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Format returns the negotiated stream format.
func (a *App) Format() audio.Format {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.format
}

// Devices returns the names of the current input and output devices.
func (a *App) Devices() (input, output string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.in.Name(), a.out.Name()
}

// Supervisor returns the current pipeline supervisor. It changes when a
// reload replaces the devices.
func (a *App) Supervisor() *pipeline.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// IsRunning reports whether the passthrough is running.
func (a *App) IsRunning() bool { return a.Supervisor().IsRunning() }

// QueueLen implements [observe.PipelineSource].
func (a *App) QueueLen() int { return a.Supervisor().QueueLen() }

// QueueCap implements [observe.PipelineSource].
func (a *App) QueueCap() int { return a.Supervisor().QueueCap() }

// LostEvents implements [observe.PipelineSource]. The count spans every
// supervisor this App has used.
func (a *App) LostEvents() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lostBase + a.sup.LostEvents()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the pipeline if it is still running and releases the audio
// drivers. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		close(a.quit)

		done := make(chan error, 1)
		go func() {
			a.mu.Lock()
			sup, in, out := a.sup, a.in, a.out
			a.mu.Unlock()

			var errs []error
			if err := sup.Stop(); err != nil {
				errs = append(errs, err)
			}
			if err := a.observed.Unregister(); err != nil {
				errs = append(errs, fmt.Errorf("unregister metrics callback: %w", err))
			}
			if err := closeDrivers(in, out); err != nil {
				errs = append(errs, err)
			}
			done <- errors.Join(errs...)
		}()

		select {
		case err := <-done:
			shutdownErr = err
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded")
			shutdownErr = ctx.Err()
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

var _ observe.PipelineSource = (*App)(nil)
