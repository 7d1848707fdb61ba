// Package config provides the configuration schema, loader, hot-reload
// watcher, and audio backend registry for echoloop.
package config

import (
	"github.com/MrWong99/echoloop/pkg/audio"
	"github.com/MrWong99/echoloop/pkg/audio/latency"
)

// LogLevel controls log verbosity for echoloop.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr  = ":9464"
	DefaultLatencyMs   = latency.DefaultTargetMs
	DefaultEventBuffer = 64
	DefaultBackend     = "portaudio"
)

// Config is the root configuration structure for echoloop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Input    DeviceEntry    `yaml:"input"`
	Output   DeviceEntry    `yaml:"output"`
}

// ServerConfig holds logging and the observability endpoint settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /healthz, /readyz, and /metrics
	// (e.g., ":9464"). Set to "off" to disable the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ListenDisabled is the [ServerConfig.ListenAddr] value that turns the HTTP
// endpoint off.
const ListenDisabled = "off"

// PipelineConfig controls the passthrough itself.
type PipelineConfig struct {
	// LatencyMs is the target delay between capture and playback, in
	// milliseconds. The ring buffer is pre-filled with this much silence.
	LatencyMs float64 `yaml:"latency_ms"`

	// Format overrides the stream format. When zero, the input device's
	// default format is used for both streams.
	Format audio.Format `yaml:",inline"`

	// EventBuffer is how many overflow/underflow events may be pending before
	// further ones are counted as lost.
	EventBuffer int `yaml:"event_buffer"`
}

// DeviceEntry selects one side of the passthrough. The Backend field is used
// to look up the constructor in the [Registry].
type DeviceEntry struct {
	// Backend selects the registered driver (e.g., "portaudio", "oto", "virtual").
	Backend string `yaml:"backend"`

	// Device is the backend-specific device name. Empty selects the backend's
	// default device.
	Device string `yaml:"device"`

	// FramesPerBlock requests a callback block size in frames. 0 lets the
	// backend choose.
	FramesPerBlock int `yaml:"frames_per_block"`

	// Options holds backend-specific values not covered by the fields above
	// (e.g., the virtual input's "waveform" and "tone_hz").
	Options map[string]any `yaml:"options"`
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Pipeline.LatencyMs == 0 {
		cfg.Pipeline.LatencyMs = DefaultLatencyMs
	}
	if cfg.Pipeline.EventBuffer == 0 {
		cfg.Pipeline.EventBuffer = DefaultEventBuffer
	}
	if cfg.Input.Backend == "" {
		cfg.Input.Backend = DefaultBackend
	}
	if cfg.Output.Backend == "" {
		cfg.Output.Backend = DefaultBackend
	}
}
