package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/echoloop/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// InputFactory constructs an input driver from its config entry.
type InputFactory func(DeviceEntry) (audio.InputDriver, error)

// OutputFactory constructs an output driver from its config entry.
type OutputFactory func(DeviceEntry) (audio.OutputDriver, error)

// Registry maps backend names to driver constructors for each device side.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	inputs  map[string]InputFactory
	outputs map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inputs:  make(map[string]InputFactory),
		outputs: make(map[string]OutputFactory),
	}
}

// RegisterInput registers an input driver factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInput(name string, factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[name] = factory
}

// RegisterOutput registers an output driver factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
}

// CreateInput instantiates an input driver using the factory registered under
// entry.Backend. Returns [ErrBackendNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateInput(entry DeviceEntry) (audio.InputDriver, error) {
	r.mu.RLock()
	factory, ok := r.inputs[entry.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrBackendNotRegistered, entry.Backend)
	}
	return factory(entry)
}

// CreateOutput instantiates an output driver using the factory registered
// under entry.Backend.
func (r *Registry) CreateOutput(entry DeviceEntry) (audio.OutputDriver, error) {
	r.mu.RLock()
	factory, ok := r.outputs[entry.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrBackendNotRegistered, entry.Backend)
	}
	return factory(entry)
}

// Backends returns the sorted names of the registered input and output
// backends.
func (r *Registry) Backends() (inputs, outputs []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.inputs {
		inputs = append(inputs, name)
	}
	for name := range r.outputs {
		outputs = append(outputs, name)
	}
	sort.Strings(inputs)
	sort.Strings(outputs)
	return inputs, outputs
}
