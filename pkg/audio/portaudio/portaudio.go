// Package portaudio implements [audio.InputDriver] and [audio.OutputDriver]
// on top of the PortAudio C library via github.com/gordonklaus/portaudio.
//
// Each driver holds one reference on the PortAudio library: [NewInput] and
// [NewOutput] initialise it and Close terminates it again. PortAudio counts
// these calls, so any number of drivers may coexist.
//
// Streams use PortAudio's callback mode with interleaved float32 buffers, so
// the pipeline callbacks run directly on PortAudio's audio thread.
package portaudio

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/echoloop/pkg/audio"
)

// driver holds what Input and Output share.
type driver struct {
	// device is the requested device name. Empty selects the host default.
	device string

	// framesPerBlock is passed to PortAudio as frames per buffer; 0 lets
	// PortAudio choose (and vary) the block size.
	framesPerBlock int

	// lookup resolves the device info; set by the constructors.
	lookup func() (*portaudio.DeviceInfo, error)

	// maxChannels extracts the relevant channel limit from a DeviceInfo.
	maxChannels func(*portaudio.DeviceInfo) int

	closeOnce sync.Once
	closeErr  error
}

func initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: portaudio: initialize: %w", audio.ErrDeviceUnavailable, err)
	}
	return nil
}

// Name implements [audio.Device].
func (d *driver) Name() string {
	info, err := d.lookup()
	if err != nil {
		if d.device == "" {
			return "default"
		}
		return d.device
	}
	return info.Name
}

// DefaultFormat implements [audio.Device]. It reports the device's default
// sample rate and its maximum channel count capped at stereo.
func (d *driver) DefaultFormat() (audio.Format, error) {
	info, err := d.lookup()
	if err != nil {
		return audio.Format{}, err
	}
	return audio.Format{
		SampleRate: int(math.Round(info.DefaultSampleRate)),
		Channels:   min(d.maxChannels(info), 2),
	}, nil
}

// Supports implements [audio.Device]. Only the channel count can be checked
// up front; PortAudio reports unsupported sample rates when the stream is
// opened.
func (d *driver) Supports(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrStreamConfigMismatch, err)
	}
	info, err := d.lookup()
	if err != nil {
		return err
	}
	if limit := d.maxChannels(info); f.Channels > limit {
		return fmt.Errorf("%w: %q supports at most %d channels, %d requested",
			audio.ErrStreamConfigMismatch, info.Name, limit, f.Channels)
	}
	return nil
}

// Close releases this driver's reference on the PortAudio library. It is safe
// to call more than once.
func (d *driver) Close() error {
	d.closeOnce.Do(func() {
		if err := portaudio.Terminate(); err != nil {
			d.closeErr = fmt.Errorf("portaudio: terminate: %w", err)
		}
	})
	return d.closeErr
}

// findDevice resolves name to a device with at least one channel in the
// direction described by channels. An empty name selects fallback.
func findDevice(name string, channels func(*portaudio.DeviceInfo) int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if name == "" {
		info, err := fallback()
		if err != nil {
			return nil, fmt.Errorf("%w: portaudio: default device: %w", audio.ErrDeviceUnavailable, err)
		}
		return info, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: portaudio: list devices: %w", audio.ErrDeviceUnavailable, err)
	}
	for _, info := range devices {
		if info.Name == name && channels(info) > 0 {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: portaudio: no device named %q", audio.ErrDeviceUnavailable, name)
}

// classify maps PortAudio's format rejections onto
// [audio.ErrStreamConfigMismatch] and everything else onto
// [audio.ErrDeviceUnavailable].
func classify(op string, err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.InvalidSampleRate, portaudio.InvalidChannelCount, portaudio.SampleFormatNotSupported:
			return fmt.Errorf("%w: portaudio: %s: %w", audio.ErrStreamConfigMismatch, op, err)
		}
	}
	return fmt.Errorf("%w: portaudio: %s: %w", audio.ErrDeviceUnavailable, op, err)
}

// ─── Input ──────────────────────────────────────────────────────────────────

// Input captures from a PortAudio input device.
type Input struct {
	driver
}

// NewInput initialises PortAudio and returns a driver for the input device
// called device, or the host's default input when device is empty. The
// device itself is resolved each time it is used, so it may be plugged in
// later. Call Close when done.
func NewInput(device string, framesPerBlock int) (*Input, error) {
	if err := initialize(); err != nil {
		return nil, err
	}
	in := &Input{driver{device: device, framesPerBlock: framesPerBlock}}
	in.maxChannels = func(info *portaudio.DeviceInfo) int { return info.MaxInputChannels }
	in.lookup = func() (*portaudio.DeviceInfo, error) {
		return findDevice(device, in.maxChannels, portaudio.DefaultInputDevice)
	}
	return in, nil
}

// OpenInput implements [audio.InputDriver].
func (in *Input) OpenInput(f audio.Format, onBlock audio.CaptureFunc) (audio.Stream, error) {
	if err := in.Supports(f); err != nil {
		return nil, err
	}
	info, err := in.lookup()
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: f.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: in.framesPerBlock,
	}
	s, err := portaudio.OpenStream(params, func(samples []float32) { onBlock(samples) })
	if err != nil {
		return nil, classify("open input stream", err)
	}
	return &stream{s: s}, nil
}

// ─── Output ─────────────────────────────────────────────────────────────────

// Output renders to a PortAudio output device.
type Output struct {
	driver
}

// NewOutput initialises PortAudio and returns a driver for the output device
// called device, or the host's default output when device is empty. Call
// Close when done.
func NewOutput(device string, framesPerBlock int) (*Output, error) {
	if err := initialize(); err != nil {
		return nil, err
	}
	out := &Output{driver{device: device, framesPerBlock: framesPerBlock}}
	out.maxChannels = func(info *portaudio.DeviceInfo) int { return info.MaxOutputChannels }
	out.lookup = func() (*portaudio.DeviceInfo, error) {
		return findDevice(device, out.maxChannels, portaudio.DefaultOutputDevice)
	}
	return out, nil
}

// OpenOutput implements [audio.OutputDriver].
func (out *Output) OpenOutput(f audio.Format, onBlock audio.RenderFunc) (audio.Stream, error) {
	if err := out.Supports(f); err != nil {
		return nil, err
	}
	info, err := out.lookup()
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: f.Channels,
			Latency:  info.DefaultLowOutputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: out.framesPerBlock,
	}
	s, err := portaudio.OpenStream(params, func(buf []float32) { onBlock(buf) })
	if err != nil {
		return nil, classify("open output stream", err)
	}
	return &stream{s: s}, nil
}

// ─── Stream ─────────────────────────────────────────────────────────────────

// stream adapts a PortAudio callback stream to [audio.Stream].
type stream struct {
	s *portaudio.Stream

	mu      sync.Mutex
	started bool
	closed  bool
}

// Start implements [audio.Stream].
func (st *stream) Start() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return fmt.Errorf("%w: portaudio: stream closed", audio.ErrDeviceUnavailable)
	}
	if err := st.s.Start(); err != nil {
		return classify("start stream", err)
	}
	st.started = true
	return nil
}

// Close implements [audio.Stream]. Pa_StopStream waits for the callback in
// progress to return before the stream is closed.
func (st *stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true

	var errs []error
	if st.started {
		if err := st.s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
		}
	}
	if err := st.s.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	return errors.Join(errs...)
}

// Err implements [audio.Stream]. The PortAudio binding exposes no
// asynchronous error callback.
func (st *stream) Err() <-chan error { return nil }

var (
	_ audio.InputDriver  = (*Input)(nil)
	_ audio.OutputDriver = (*Output)(nil)
)
