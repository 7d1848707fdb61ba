// Package mock provides in-memory mock implementations of the
// [audio.InputDriver], [audio.OutputDriver], and [audio.Stream] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Unlike real drivers, the mocks never call back on their own. Tests pump
// blocks explicitly, which makes pipeline behaviour fully deterministic:
//
//	in := mock.NewInput(audio.Format{SampleRate: 48000, Channels: 2})
//	out := mock.NewOutput(in.Format)
//	// ... start a pipeline with in and out ...
//	in.Capture([]float32{0.1, 0.2})
//	buf := out.Render(2)
package mock

import (
	"fmt"
	"sync"

	"github.com/MrWong99/echoloop/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream].
type Stream struct {
	mu sync.Mutex

	// StartError is returned by [Stream.Start].
	StartError error

	// CloseError is returned by the first [Stream.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	started bool
	closed  bool
	errc    chan error
}

func newStream() *Stream {
	return &Stream{errc: make(chan error, 1)}
}

// Start implements [audio.Stream]. Returns StartError.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Close implements [audio.Stream]. Only the first call returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	return s.CloseError
}

// Err implements [audio.Stream].
func (s *Stream) Err() <-chan error {
	return s.errc
}

// Fail simulates an asynchronous host failure such as a device being
// unplugged. Only the first pending failure is kept.
func (s *Stream) Fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

// Active reports whether the stream has been started and not yet closed.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device]. It is embedded in
// [Input] and [Output].
type Device struct {
	mu sync.Mutex

	// DeviceName is returned by Name. Defaults to "mock".
	DeviceName string

	// Format is returned by DefaultFormat and, unless Formats is set, is the
	// only format Supports accepts.
	Format audio.Format

	// Formats, when non-empty, lists every format Supports accepts.
	Formats []audio.Format

	// DefaultFormatError is returned by DefaultFormat.
	DefaultFormatError error

	// OpenError is returned by Open*.
	OpenError error

	// StartError is copied into every stream this device opens.
	StartError error

	// CloseError is copied into every stream this device opens.
	CloseError error

	// CallCountOpen records how many times Open* was called.
	CallCountOpen int

	// OpenedFormats records the format argument of every Open* call.
	OpenedFormats []audio.Format

	streams []*Stream
}

// Name implements [audio.Device].
func (d *Device) Name() string {
	if d.DeviceName == "" {
		return "mock"
	}
	return d.DeviceName
}

// DefaultFormat implements [audio.Device].
func (d *Device) DefaultFormat() (audio.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Format, d.DefaultFormatError
}

// Supports implements [audio.Device].
func (d *Device) Supports(f audio.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	accepted := d.Formats
	if len(accepted) == 0 {
		accepted = []audio.Format{d.Format}
	}
	for _, a := range accepted {
		if a == f {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not supported by %q", audio.ErrStreamConfigMismatch, f, d.Name())
}

// open records an Open* call and returns a new stream.
func (d *Device) open(f audio.Format) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.OpenedFormats = append(d.OpenedFormats, f)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := newStream()
	s.StartError = d.StartError
	s.CloseError = d.CloseError
	d.streams = append(d.streams, s)
	return s, nil
}

// Streams returns every stream opened so far, oldest first.
func (d *Device) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Stream, len(d.streams))
	copy(out, d.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [audio.InputDriver].
// Set the exported fields before use; inspect the CallCount* fields after.
type Input struct {
	Device

	cbMu    sync.Mutex
	onBlock audio.CaptureFunc
}

// NewInput returns an [Input] whose default and only supported format is f.
func NewInput(f audio.Format) *Input {
	return &Input{Device: Device{DeviceName: "mock-input", Format: f}}
}

// OpenInput implements [audio.InputDriver].
func (in *Input) OpenInput(f audio.Format, onBlock audio.CaptureFunc) (audio.Stream, error) {
	s, err := in.open(f)
	if err != nil {
		return nil, err
	}
	in.cbMu.Lock()
	in.onBlock = onBlock
	in.cbMu.Unlock()
	return s, nil
}

// Capture delivers samples to the capture callback of the most recent stream,
// exactly like a driver thread would. It returns false, without calling back,
// if no stream is active.
func (in *Input) Capture(samples []float32) bool {
	s := in.LastStream()
	if s == nil || !s.Active() {
		return false
	}
	in.cbMu.Lock()
	defer in.cbMu.Unlock()
	in.onBlock(samples)
	return true
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.OutputDriver].
// Set the exported fields before use; inspect the CallCount* fields after.
type Output struct {
	Device

	cbMu    sync.Mutex
	onBlock audio.RenderFunc
}

// NewOutput returns an [Output] whose default and only supported format is f.
func NewOutput(f audio.Format) *Output {
	return &Output{Device: Device{DeviceName: "mock-output", Format: f}}
}

// OpenOutput implements [audio.OutputDriver].
func (out *Output) OpenOutput(f audio.Format, onBlock audio.RenderFunc) (audio.Stream, error) {
	s, err := out.open(f)
	if err != nil {
		return nil, err
	}
	out.cbMu.Lock()
	out.onBlock = onBlock
	out.cbMu.Unlock()
	return s, nil
}

// Render asks the render callback of the most recent stream to fill a block
// of n samples and returns it. The block is pre-set to a sentinel value so
// tests can detect slots the callback left unwritten. It returns nil if no
// stream is active.
func (out *Output) Render(n int) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = Unwritten
	}
	if !out.RenderInto(buf) {
		return nil
	}
	return buf
}

// RenderInto is like [Output.Render] but fills a caller-provided block.
func (out *Output) RenderInto(buf []float32) bool {
	s := out.LastStream()
	if s == nil || !s.Active() {
		return false
	}
	out.cbMu.Lock()
	defer out.cbMu.Unlock()
	out.onBlock(buf)
	return true
}

// Unwritten is the value [Output.Render] pre-fills blocks with.
const Unwritten float32 = -42

// Compile-time interface assertions.
var (
	_ audio.InputDriver  = (*Input)(nil)
	_ audio.OutputDriver = (*Output)(nil)
	_ audio.Stream       = (*Stream)(nil)
	_ audio.Device       = (*Device)(nil)
)
