package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/echoloop/internal/config"
	"github.com/MrWong99/echoloop/pkg/audio"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Input:  config.DeviceEntry{Backend: "virtual", Options: map[string]any{"waveform": "tone"}},
		Output: config.DeviceEntry{Backend: "oto"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLog     bool
		wantRestart bool
		wantDevices bool
		wantListen  bool
		wantChanges []string
	}{
		{name: "identical"},
		{
			name:        "log level",
			mutate:      func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog:     true,
			wantChanges: []string{"server.log_level"},
		},
		{
			name:        "latency",
			mutate:      func(c *config.Config) { c.Pipeline.LatencyMs = 100 },
			wantRestart: true,
			wantChanges: []string{"pipeline"},
		},
		{
			name:        "format",
			mutate:      func(c *config.Config) { c.Pipeline.Format = audio.Format{SampleRate: 44100, Channels: 2} },
			wantRestart: true,
		},
		{
			name:        "input device",
			mutate:      func(c *config.Config) { c.Input.Device = "Line In" },
			wantRestart: true,
			wantDevices: true,
			wantChanges: []string{"input"},
		},
		{
			name:        "input option",
			mutate:      func(c *config.Config) { c.Input.Options["waveform"] = "silence" },
			wantRestart: true,
			wantDevices: true,
		},
		{
			name:        "output backend",
			mutate:      func(c *config.Config) { c.Output.Backend = "portaudio" },
			wantRestart: true,
			wantDevices: true,
		},
		{
			name:       "listen address",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			wantListen:  true,
			wantChanges: []string{"server.listen_addr"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			if tt.mutate != nil {
				tt.mutate(updated)
			}
			d := config.Diff(old, updated)
			if d.LogLevelChanged != tt.wantLog {
				t.Errorf("LogLevelChanged: got %v, want %v", d.LogLevelChanged, tt.wantLog)
			}
			if d.RestartRequired() != tt.wantRestart {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired(), tt.wantRestart)
			}
			if d.DevicesChanged() != tt.wantDevices {
				t.Errorf("DevicesChanged: got %v, want %v", d.DevicesChanged(), tt.wantDevices)
			}
			if d.ListenAddrChanged != tt.wantListen {
				t.Errorf("ListenAddrChanged: got %v, want %v", d.ListenAddrChanged, tt.wantListen)
			}
			if d.IsZero() != (tt.name == "identical") {
				t.Errorf("IsZero: got %v", d.IsZero())
			}
			if tt.wantChanges != nil && !slices.Equal(d.Changes(), tt.wantChanges) {
				t.Errorf("Changes: got %v, want %v", d.Changes(), tt.wantChanges)
			}
			if tt.wantLog && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, updated.Server.LogLevel)
			}
		})
	}
}
