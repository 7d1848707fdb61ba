// Package oto implements an [audio.OutputDriver] on github.com/ebitengine/oto/v3.
//
// Oto is pull-based: its mixer reads PCM bytes from an [io.Reader]. Each
// Read asks the render callback for a block of float32 samples and encodes
// it as little-endian bytes. Oto supports a single playback context per
// process, so every [Output] shares one context, and all of them must agree
// on its format.
//
// Oto has no capture API; pair this driver with another input backend.
package oto

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	otov3 "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/echoloop/pkg/audio"
)

// errPollInterval is how often a playing stream checks the context for
// asynchronous failures.
const errPollInterval = 100 * time.Millisecond

// fallbackFormat is reported by DefaultFormat when none was configured.
var fallbackFormat = audio.Format{SampleRate: 48000, Channels: 2}

var (
	sharedMu     sync.Mutex
	shared       *otov3.Context
	sharedFormat audio.Format
)

// sharedContext returns the process-wide oto context, creating it in format f
// on first use.
func sharedContext(f audio.Format, bufferSize time.Duration) (*otov3.Context, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		if f != sharedFormat {
			return nil, fmt.Errorf("%w: oto: context already running at %s, %s requested",
				audio.ErrStreamConfigMismatch, sharedFormat, f)
		}
		return shared, nil
	}

	c, ready, err := otov3.NewContext(&otov3.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       otov3.FormatFloat32LE,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: oto: new context: %w", audio.ErrDeviceUnavailable, err)
	}
	<-ready
	shared, sharedFormat = c, f
	return c, nil
}

// Output plays through oto's default output device.
type Output struct {
	format         audio.Format
	framesPerBlock int
}

// NewOutput returns an oto output driver. f is reported as the default
// format and may be zero to use 48 kHz stereo. framesPerBlock sets oto's
// buffer size; 0 leaves it to oto.
func NewOutput(f audio.Format, framesPerBlock int) *Output {
	if f.IsZero() {
		f = fallbackFormat
	}
	return &Output{format: f, framesPerBlock: framesPerBlock}
}

// Name implements [audio.Device].
func (o *Output) Name() string { return "oto default output" }

// DefaultFormat implements [audio.Device]. Once the shared context exists its
// format wins.
func (o *Output) DefaultFormat() (audio.Format, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return sharedFormat, nil
	}
	return o.format, nil
}

// Supports implements [audio.Device].
func (o *Output) Supports(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrStreamConfigMismatch, err)
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil && f != sharedFormat {
		return fmt.Errorf("%w: oto: context already running at %s", audio.ErrStreamConfigMismatch, sharedFormat)
	}
	return nil
}

// OpenOutput implements [audio.OutputDriver].
func (o *Output) OpenOutput(f audio.Format, onBlock audio.RenderFunc) (audio.Stream, error) {
	if err := o.Supports(f); err != nil {
		return nil, err
	}
	var bufferSize time.Duration
	if o.framesPerBlock > 0 {
		bufferSize = f.Duration(o.framesPerBlock * f.Channels)
	}
	c, err := sharedContext(f, bufferSize)
	if err != nil {
		return nil, err
	}
	st := newStream(onBlock)
	st.ctx = c
	st.player = c.NewPlayer(st)
	return st, nil
}

// stream feeds one oto player from a render callback.
type stream struct {
	ctx    *otov3.Context
	player *otov3.Player

	// mu is held for the duration of every render callback so that Close
	// can wait out a block in progress.
	mu      sync.Mutex
	onBlock audio.RenderFunc
	block   []float32
	started bool
	closed  bool

	errc chan error
	stop chan struct{}
	wg   sync.WaitGroup
}

func newStream(onBlock audio.RenderFunc) *stream {
	return &stream{
		onBlock: onBlock,
		errc:    make(chan error, 1),
		stop:    make(chan struct{}),
	}
}

// Read implements [io.Reader] for the oto player. It renders one block of
// len(p)/4 samples. After Close it reports [io.EOF].
func (st *stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0, io.EOF
	}

	n := len(p) / 4
	if cap(st.block) < n {
		st.block = make([]float32, n)
	}
	block := st.block[:n]
	st.onBlock(block)
	for i, s := range block {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	return n * 4, nil
}

// Start implements [audio.Stream].
func (st *stream) Start() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return fmt.Errorf("%w: oto: stream closed", audio.ErrDeviceUnavailable)
	}
	if st.started {
		st.mu.Unlock()
		return nil
	}
	st.started = true
	st.wg.Add(1)
	st.mu.Unlock()

	go st.watch()
	// Play may read the first buffer synchronously, so mu must not be held.
	st.player.Play()
	return nil
}

// watch forwards the first context failure to errc.
func (st *stream) watch() {
	defer st.wg.Done()
	ticker := time.NewTicker(errPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			if err := st.ctx.Err(); err != nil {
				st.errc <- fmt.Errorf("oto: %w", err)
				return
			}
		}
	}
}

// Close implements [audio.Stream].
func (st *stream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.mu.Unlock()

	close(st.stop)
	st.wg.Wait()
	if st.player == nil {
		return nil
	}
	if err := st.player.Close(); err != nil {
		return fmt.Errorf("oto: close player: %w", err)
	}
	return nil
}

// Err implements [audio.Stream].
func (st *stream) Err() <-chan error { return st.errc }

var _ audio.OutputDriver = (*Output)(nil)
