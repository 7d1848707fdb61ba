package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackends lists known backend names per device side.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackends = map[string][]string{
	"input":  {"portaudio", "virtual"},
	"output": {"portaudio", "oto", "virtual"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Pipeline
	p := cfg.Pipeline
	if math.IsNaN(p.LatencyMs) || math.IsInf(p.LatencyMs, 0) || p.LatencyMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.latency_ms %v must be a positive number", p.LatencyMs))
	}
	if !p.Format.IsZero() {
		if err := p.Format.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: sample_rate and channels must both be positive or both omitted: %w", err))
		}
	}
	if p.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("pipeline.event_buffer %d must not be negative", p.EventBuffer))
	}

	// Devices
	for _, side := range []struct {
		name  string
		entry DeviceEntry
	}{
		{"input", cfg.Input},
		{"output", cfg.Output},
	} {
		if side.entry.FramesPerBlock < 0 {
			errs = append(errs, fmt.Errorf("%s.frames_per_block %d must not be negative", side.name, side.entry.FramesPerBlock))
		}
		validateBackendName(side.name, side.entry.Backend)
	}
	if cfg.Input.Backend == "oto" {
		errs = append(errs, errors.New("input.backend \"oto\" is invalid; oto can only play audio"))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackends] list for the given side.
func validateBackendName(side, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackends[side]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown audio backend, may be a typo or third-party driver",
		"side", side,
		"backend", name,
		"known", known,
	)
}
