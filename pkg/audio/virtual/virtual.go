// Package virtual provides software audio devices paced by a wall-clock ticker.
//
// An [Input] synthesises a [Waveform] and an [Output] meters whatever it is
// asked to play. They let echoloop run end to end on machines without sound
// hardware (CI runners, containers) while exercising exactly the same
// callback contract as a real host API.
package virtual

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echoloop/pkg/audio"
)

// errClosed is returned by Start on a stream that was already closed.
var errClosed = errors.New("virtual: stream closed")

// Waveform returns the value of frame n of a signal sampled at sampleRate.
// Every channel of a frame carries the same value.
type Waveform func(n int64, sampleRate int) float32

// Silence is the all-zero [Waveform].
func Silence(int64, int) float32 { return 0 }

// Tone returns a sine [Waveform] at freqHz with the given peak amplitude.
func Tone(freqHz, amplitude float64) Waveform {
	return func(n int64, sampleRate int) float32 {
		return float32(amplitude * math.Sin(2*math.Pi*freqHz*float64(n)/float64(sampleRate)))
	}
}

// Option configures a virtual device.
type Option func(*settings)

type settings struct {
	framesPerBlock int
	wave           Waveform
}

// WithFramesPerBlock sets how many frames each callback carries. Values below
// 1 select the default of 10 ms worth of frames.
func WithFramesPerBlock(n int) Option {
	return func(s *settings) { s.framesPerBlock = n }
}

// WithWaveform sets the signal an [Input] produces. Ignored by [Output].
func WithWaveform(w Waveform) Option {
	return func(s *settings) {
		if w != nil {
			s.wave = w
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{wave: Silence}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// blockFrames resolves the configured block size for f.
func (s settings) blockFrames(f audio.Format) int {
	if s.framesPerBlock > 0 {
		return s.framesPerBlock
	}
	return max(f.SampleRate/100, 1)
}

// device holds what Input and Output share.
type device struct {
	name   string
	format audio.Format
	settings
}

// Name implements [audio.Device].
func (d *device) Name() string { return d.name }

// DefaultFormat implements [audio.Device].
func (d *device) DefaultFormat() (audio.Format, error) { return d.format, nil }

// Supports implements [audio.Device]. Software devices run at any valid
// format.
func (d *device) Supports(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrStreamConfigMismatch, err)
	}
	return nil
}

// ─── Input ──────────────────────────────────────────────────────────────────

// Input is a virtual capture device.
type Input struct {
	device
}

// NewInput creates a virtual input whose default format is f. Without
// [WithWaveform] it captures silence.
func NewInput(name string, f audio.Format, opts ...Option) *Input {
	return &Input{device{name: name, format: f, settings: newSettings(opts)}}
}

// OpenInput implements [audio.InputDriver].
func (in *Input) OpenInput(f audio.Format, onBlock audio.CaptureFunc) (audio.Stream, error) {
	if err := in.Supports(f); err != nil {
		return nil, err
	}
	frames := in.blockFrames(f)
	buf := make([]float32, frames*f.Channels)
	wave := in.wave
	var n int64
	tick := func() {
		for i := 0; i < frames; i++ {
			v := wave(n, f.SampleRate)
			for c := 0; c < f.Channels; c++ {
				buf[i*f.Channels+c] = v
			}
			n++
		}
		onBlock(buf)
	}
	return newStream(blockPeriod(frames, f.SampleRate), tick), nil
}

// ─── Output ─────────────────────────────────────────────────────────────────

// Output is a virtual render device that discards audio after measuring its
// level.
type Output struct {
	device

	blocks   atomic.Uint64
	peakBits atomic.Uint32
}

// NewOutput creates a virtual output whose default format is f.
func NewOutput(name string, f audio.Format, opts ...Option) *Output {
	return &Output{device: device{name: name, format: f, settings: newSettings(opts)}}
}

// OpenOutput implements [audio.OutputDriver].
func (out *Output) OpenOutput(f audio.Format, onBlock audio.RenderFunc) (audio.Stream, error) {
	if err := out.Supports(f); err != nil {
		return nil, err
	}
	buf := make([]float32, out.blockFrames(f)*f.Channels)
	tick := func() {
		onBlock(buf)
		var peak float32
		for _, s := range buf {
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
		out.peakBits.Store(math.Float32bits(peak))
		out.blocks.Add(1)
	}
	return newStream(blockPeriod(out.blockFrames(f), f.SampleRate), tick), nil
}

// Peak returns the absolute peak of the most recently rendered block.
func (out *Output) Peak() float32 {
	return math.Float32frombits(out.peakBits.Load())
}

// Blocks returns how many blocks have been rendered across all streams.
func (out *Output) Blocks() uint64 {
	return out.blocks.Load()
}

// ─── Stream ─────────────────────────────────────────────────────────────────

func blockPeriod(frames, sampleRate int) time.Duration {
	d := time.Duration(int64(frames) * int64(time.Second) / int64(sampleRate))
	if d <= 0 {
		d = time.Microsecond
	}
	return d
}

// stream runs tick once per period on its own goroutine between Start and
// Close. Ticks never overlap.
type stream struct {
	period time.Duration
	tick   func()

	mu      sync.Mutex
	running bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

func newStream(period time.Duration, tick func()) *stream {
	return &stream{
		period: period,
		tick:   tick,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start implements [audio.Stream].
func (s *stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if !s.running {
		s.running = true
		go s.loop()
	}
	return nil
}

func (s *stream) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Close implements [audio.Stream]. It returns once the last tick has finished.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := s.running
	s.mu.Unlock()

	close(s.stop)
	if running {
		<-s.done
	}
	return nil
}

// Err implements [audio.Stream]. Software streams never fail asynchronously.
func (s *stream) Err() <-chan error { return nil }

var (
	_ audio.InputDriver  = (*Input)(nil)
	_ audio.OutputDriver = (*Output)(nil)
)
