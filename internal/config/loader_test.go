package config_test

import (
	"errors"
	"io/fs"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/echoloop/internal/config"
)

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "echoloop.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.LatencyMs != 250 {
		t.Errorf("latency_ms: got %v, want 250", cfg.Pipeline.LatencyMs)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader(empty): %v", err)
	}
	if cfg.Pipeline.LatencyMs != config.DefaultLatencyMs {
		t.Errorf("latency_ms: got %v, want default %v", cfg.Pipeline.LatencyMs, config.DefaultLatencyMs)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("pipeline:\n  latency: 100\n"))
	if err == nil {
		t.Fatal("expected error for unknown field pipeline.latency")
	}
}

func TestLoadFromReader_Malformed(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("pipeline: [unclosed"))
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *config.Config {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "defaults are valid"},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "negative latency",
			mutate:  func(c *config.Config) { c.Pipeline.LatencyMs = -5 },
			wantErr: "pipeline.latency_ms",
		},
		{
			name:    "NaN latency",
			mutate:  func(c *config.Config) { c.Pipeline.LatencyMs = math.NaN() },
			wantErr: "pipeline.latency_ms",
		},
		{
			name:    "sample rate without channels",
			mutate:  func(c *config.Config) { c.Pipeline.Format.SampleRate = 48000 },
			wantErr: "sample_rate and channels",
		},
		{
			name:    "negative event buffer",
			mutate:  func(c *config.Config) { c.Pipeline.EventBuffer = -1 },
			wantErr: "pipeline.event_buffer",
		},
		{
			name:    "negative frames per block",
			mutate:  func(c *config.Config) { c.Output.FramesPerBlock = -256 },
			wantErr: "output.frames_per_block",
		},
		{
			name:    "oto as input",
			mutate:  func(c *config.Config) { c.Input.Backend = "oto" },
			wantErr: "oto can only play",
		},
		{
			name:   "unknown backend only warns",
			mutate: func(c *config.Config) { c.Output.Backend = "jack" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate error: got %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: "loud"},
		Pipeline: config.PipelineConfig{LatencyMs: -1},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "pipeline.latency_ms"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
