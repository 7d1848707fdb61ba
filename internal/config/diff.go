package config

import "reflect"

// ConfigDiff describes what changed between two configs and how the change
// can be applied.
type ConfigDiff struct {
	// LogLevelChanged is applied in place.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged, InputChanged, and OutputChanged each require the
	// pipeline to be stopped and started again with a fresh queue.
	PipelineChanged bool
	InputChanged    bool
	OutputChanged   bool

	// ListenAddrChanged cannot be applied without restarting the process.
	ListenAddrChanged bool
}

// RestartRequired reports whether the pipeline must be restarted to apply d.
func (d ConfigDiff) RestartRequired() bool {
	return d.PipelineChanged || d.InputChanged || d.OutputChanged
}

// DevicesChanged reports whether either driver must be recreated.
func (d ConfigDiff) DevicesChanged() bool {
	return d.InputChanged || d.OutputChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	return ConfigDiff{
		LogLevelChanged:   old.Server.LogLevel != new.Server.LogLevel,
		NewLogLevel:       new.Server.LogLevel,
		PipelineChanged:   old.Pipeline != new.Pipeline,
		InputChanged:      !reflect.DeepEqual(old.Input, new.Input),
		OutputChanged:     !reflect.DeepEqual(old.Output, new.Output),
		ListenAddrChanged: old.Server.ListenAddr != new.Server.ListenAddr,
	}
}

// IsZero reports whether the two configs are equivalent.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.RestartRequired() && !d.ListenAddrChanged
}

// Changes names the changed sections, in config file order.
func (d ConfigDiff) Changes() []string {
	var out []string
	if d.ListenAddrChanged {
		out = append(out, "server.listen_addr")
	}
	if d.LogLevelChanged {
		out = append(out, "server.log_level")
	}
	if d.PipelineChanged {
		out = append(out, "pipeline")
	}
	if d.InputChanged {
		out = append(out, "input")
	}
	if d.OutputChanged {
		out = append(out, "output")
	}
	return out
}
