// Package pipeline implements the echoloop passthrough: a capture callback
// feeding a lock-free ring buffer that a render callback drains, owned and
// sequenced by a [Supervisor].
//
// The capture and render callbacks ([CaptureFeed.OnBlock] and
// [RenderSink.OnBlock]) run on the device drivers' real-time threads. They
// never block, allocate, or fail; when the two clocks drift far enough apart
// for the queue to fill or drain, they drop samples or play silence and report
// one [Event] per affected block. Events are logged and recorded as metrics on
// a supervisor goroutine, off the real-time threads.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/echoloop/internal/observe"
	"github.com/MrWong99/echoloop/pkg/audio"
	"github.com/MrWong99/echoloop/pkg/audio/latency"
	"github.com/MrWong99/echoloop/pkg/audio/ringbuf"
)

// ErrAlreadyRunning is returned by [Supervisor.Start] while a pipeline is
// already pre-filled or running.
var ErrAlreadyRunning = errors.New("pipeline: already running")

// defaultEventBuffer is the capacity of the event channel between the
// real-time callbacks and the supervisor goroutine.
const defaultEventBuffer = 64

// Option is a functional option for [New].
type Option func(*Supervisor)

// WithEventBuffer sets how many events may be pending before further events
// are counted as lost. Values below 1 are ignored.
func WithEventBuffer(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// WithMetrics records events and lifecycle through m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEventHandler registers handler to receive every reported [Event]. The
// handler is invoked on the supervisor's event goroutine and must not block.
func WithEventHandler(handler func(Event)) Option {
	return func(s *Supervisor) { s.onEvent = handler }
}

// Supervisor owns one passthrough pipeline at a time: it sizes and pre-fills
// the queue, wires the feed and sink into the device drivers, and tears
// everything down again.
//
// A Supervisor hands the producer half of each queue to exactly one capture
// stream and the consumer half to exactly one render stream, which is what
// makes the lock-free queue safe.
//
// Start, Stop, and Run may be called from any goroutine. Observers (State,
// Stats, QueueLen, ...) are safe to call concurrently with everything,
// including event handlers.
type Supervisor struct {
	in  audio.InputDriver
	out audio.OutputDriver

	eventBuffer int
	metrics     *observe.Metrics
	onEvent     func(Event)

	// mu serialises Start and Stop.
	mu sync.Mutex

	state  atomic.Int32
	queue  atomic.Pointer[ringbuf.Queue]
	sizing atomic.Pointer[latency.Sizing]
	stats  counters

	// Per-run resources, guarded by mu.
	feed      *CaptureFeed
	sink      *RenderSink
	inStream  audio.Stream
	outStream audio.Stream
	done      chan struct{}
	fatal     chan error
	wg        sync.WaitGroup
}

// New creates an idle [Supervisor] that will connect in to out.
func New(in audio.InputDriver, out audio.OutputDriver, opts ...Option) *Supervisor {
	s := &Supervisor{
		in:          in,
		out:         out,
		eventBuffer: defaultEventBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ─── Start ──────────────────────────────────────────────────────────────────

// Start builds and starts a pipeline in format f with the given latency
// target in milliseconds:
//
//  1. Sizing is computed with [latency.Compute]; a bad format or target
//     returns [latency.ErrInvalidFormat].
//  2. Both devices must support f, otherwise [audio.ErrStreamConfigMismatch].
//  3. A fresh queue is allocated and padded with Prefill silent samples
//     (state PreFilled).
//  4. Both device streams are opened and started (state Running). A driver
//     failure returns an error wrapping [audio.ErrDeviceUnavailable] unless
//     the driver reported a format mismatch, and leaves the supervisor
//     Stopped with every opened stream closed again.
//
// Start returns [ErrAlreadyRunning] if a pipeline is already active. A
// stopped supervisor may be started again.
func (s *Supervisor) Start(ctx context.Context, f audio.Format, targetMs float64) error {
	_, err := s.start(ctx, f, targetMs)
	return err
}

// run is the per-run handle [Supervisor.Run] waits on.
type run struct {
	// done is closed by teardown when this run is stopped, by whoever stops it.
	done <-chan struct{}
	// fatal receives the first asynchronous stream failure.
	fatal <-chan error
}

func (s *Supervisor) start(ctx context.Context, f audio.Format, targetMs float64) (_ run, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()).active() {
		return run{}, ErrAlreadyRunning
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.Start")
	defer span.End()
	began := time.Now()
	defer func() {
		s.metrics.RecordStart(ctx, time.Since(began).Seconds(), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	sizing, err := latency.Compute(f, targetMs)
	if err != nil {
		return run{}, fmt.Errorf("pipeline: start: %w", err)
	}
	span.SetAttributes(observe.SizingAttrs(f.SampleRate, f.Channels, targetMs, sizing.Capacity)...)

	if err := s.checkFormat(f); err != nil {
		return run{}, fmt.Errorf("pipeline: start: %w", err)
	}

	q, err := ringbuf.New(sizing.Capacity)
	if err != nil {
		return run{}, fmt.Errorf("pipeline: start: %w", err)
	}
	prod, cons := q.Split()
	if n := prod.Fill(0, sizing.Prefill); n != sizing.Prefill {
		return run{}, fmt.Errorf("pipeline: start: pre-filled %d of %d samples", n, sizing.Prefill)
	}
	s.queue.Store(q)
	s.sizing.Store(&sizing)
	s.state.Store(int32(PreFilled))

	log := observe.Logger(ctx)
	log.Info("pipeline pre-filled",
		"format", f.String(),
		"prefill_samples", sizing.Prefill,
		"capacity_samples", sizing.Capacity,
		"latency", sizing.Latency(),
		"buffer_duration", sizing.BufferDuration(),
	)

	events := make(chan Event, s.eventBuffer)
	rep := reporter{ch: events, stats: &s.stats}
	s.feed = newCaptureFeed(prod, rep)
	s.sink = newRenderSink(cons, rep)
	s.done = make(chan struct{})
	s.fatal = make(chan error, 1)

	s.wg.Add(1)
	go s.eventLoop(events, s.done)

	if err := s.openStreams(f); err != nil {
		return run{}, fmt.Errorf("pipeline: start: %w", errors.Join(err, s.teardown()))
	}

	s.wg.Add(1)
	go s.watchStreams(s.inStream.Err(), s.outStream.Err(), s.done, s.fatal)

	s.state.Store(int32(Running))
	log.Info("pipeline running",
		"input", s.in.Name(),
		"output", s.out.Name(),
	)
	return run{done: s.done, fatal: s.fatal}, nil
}

// checkFormat verifies that both devices can run f.
func (s *Supervisor) checkFormat(f audio.Format) error {
	var errs []error
	if err := s.in.Supports(f); err != nil {
		errs = append(errs, fmt.Errorf("input %q: %w", s.in.Name(), asMismatch(err)))
	}
	if err := s.out.Supports(f); err != nil {
		errs = append(errs, fmt.Errorf("output %q: %w", s.out.Name(), asMismatch(err)))
	}
	return errors.Join(errs...)
}

// openStreams opens and starts the input then the output stream. On failure,
// whatever was opened is left in s for teardown to close.
func (s *Supervisor) openStreams(f audio.Format) error {
	var err error
	if s.inStream, err = s.in.OpenInput(f, s.feed.OnBlock); err != nil {
		return fmt.Errorf("open input %q: %w", s.in.Name(), asDeviceErr(err))
	}
	if s.outStream, err = s.out.OpenOutput(f, s.sink.OnBlock); err != nil {
		return fmt.Errorf("open output %q: %w", s.out.Name(), asDeviceErr(err))
	}
	if err := s.inStream.Start(); err != nil {
		return fmt.Errorf("start input %q: %w", s.in.Name(), asDeviceErr(err))
	}
	if err := s.outStream.Start(); err != nil {
		return fmt.Errorf("start output %q: %w", s.out.Name(), asDeviceErr(err))
	}
	return nil
}

// asDeviceErr classifies a driver error: format rejections keep their
// [audio.ErrStreamConfigMismatch] identity, everything else becomes
// [audio.ErrDeviceUnavailable].
func asDeviceErr(err error) error {
	if errors.Is(err, audio.ErrStreamConfigMismatch) || errors.Is(err, audio.ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
}

// asMismatch makes sure a Supports failure carries [audio.ErrStreamConfigMismatch].
func asMismatch(err error) error {
	if errors.Is(err, audio.ErrStreamConfigMismatch) {
		return err
	}
	return fmt.Errorf("%w: %w", audio.ErrStreamConfigMismatch, err)
}

// ─── Stop ───────────────────────────────────────────────────────────────────

// Stop closes both device streams, releases the queue, and moves the
// supervisor to Stopped. A block already in progress on a driver thread is
// allowed to finish; no new block starts after Stop returns.
//
// Stop is idempotent: calling it on a stopped supervisor returns nil and
// leaves it Stopped, and calling it on an idle one is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !State(s.state.Load()).active() {
		return nil
	}
	err := s.teardown()
	slog.Info("pipeline stopped", "stats", s.stats.snapshot())
	return err
}

// teardown closes the streams of the current run, waits for the supervisor
// goroutines, and releases the queue. Callers must hold mu.
func (s *Supervisor) teardown() error {
	var errs []error
	// Input first, so nothing new is produced while the output drains.
	if s.inStream != nil {
		if err := s.inStream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input: %w", err))
		}
	}
	if s.outStream != nil {
		if err := s.outStream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}

	close(s.done)
	s.wg.Wait()

	s.inStream, s.outStream = nil, nil
	s.feed, s.sink = nil, nil
	s.queue.Store(nil)
	s.state.Store(int32(Stopped))

	if len(errs) > 0 {
		return fmt.Errorf("pipeline: stop: %w", errors.Join(errs...))
	}
	return nil
}

// ─── Run ────────────────────────────────────────────────────────────────────

// Run starts a pipeline and keeps it alive until ctx is cancelled, a device
// stream reports a failure, or the pipeline is stopped with [Supervisor.Stop]
// from another goroutine. Cancellation and an explicit Stop are normal
// shutdowns and do not produce an error.
func (s *Supervisor) Run(ctx context.Context, f audio.Format, targetMs float64) error {
	r, err := s.start(ctx, f, targetMs)
	if err != nil {
		return err
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return s.stopRun(r)
	case err := <-r.fatal:
		return errors.Join(fmt.Errorf("pipeline: stream failure: %w", err), s.stopRun(r))
	}
}

// stopRun stops r unless it has already been stopped. A later run started by
// another goroutine is left alone.
func (s *Supervisor) stopRun(r run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != r.done || !State(s.state.Load()).active() {
		return nil
	}
	err := s.teardown()
	slog.Info("pipeline stopped", "stats", s.stats.snapshot())
	return err
}

// ─── Supervisor goroutines ──────────────────────────────────────────────────

// eventLoop logs and records hot-path events until done is closed, then
// drains whatever is still buffered. The events channel is never closed: a
// block finishing on a driver thread after Stop may still write to it.
func (s *Supervisor) eventLoop(events <-chan Event, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case e := <-events:
			s.handleEvent(e)
		case <-done:
			for {
				select {
				case e := <-events:
					s.handleEvent(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Supervisor) handleEvent(e Event) {
	ctx := context.Background()
	switch e.Kind {
	case EventOverflow:
		slog.Warn("output stream fell behind: try increasing latency",
			"block", e.Block, "dropped_samples", e.Samples)
		s.metrics.RecordOverflow(ctx, e.Samples)
	case EventUnderflow:
		slog.Warn("input stream fell behind: try increasing latency",
			"block", e.Block, "silent_samples", e.Samples)
		s.metrics.RecordUnderflow(ctx, e.Samples)
	}
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

// watchStreams forwards the first asynchronous stream failure to fatal.
func (s *Supervisor) watchStreams(inErr, outErr <-chan error, done <-chan struct{}, fatal chan<- error) {
	defer s.wg.Done()
	var (
		side string
		err  error
	)
	select {
	case <-done:
		return
	case err = <-inErr:
		side = "input"
	case err = <-outErr:
		side = "output"
	}
	slog.Error("an error occurred on stream", "side", side, "err", err)
	s.metrics.RecordStreamError(context.Background(), side)
	select {
	case fatal <- fmt.Errorf("%s: %w", side, err):
	default:
	}
}

// ─── Observers ──────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// IsRunning reports whether the state is Running.
func (s *Supervisor) IsRunning() bool {
	return s.State() == Running
}

// Sizing returns the sizing of the most recent successful pre-fill, and
// false if the supervisor has never pre-filled a queue.
func (s *Supervisor) Sizing() (latency.Sizing, bool) {
	p := s.sizing.Load()
	if p == nil {
		return latency.Sizing{}, false
	}
	return *p, true
}

// Stats returns cumulative counters over every run of this supervisor.
func (s *Supervisor) Stats() Stats {
	return s.stats.snapshot()
}

// LostEvents returns the number of events dropped because the event buffer
// was full.
func (s *Supervisor) LostEvents() uint64 {
	return s.stats.lostEvents.Load()
}

// QueueLen returns the number of unread samples, or 0 when no queue exists.
func (s *Supervisor) QueueLen() int {
	if q := s.queue.Load(); q != nil {
		return q.Len()
	}
	return 0
}

// QueueCap returns the queue capacity, or 0 when no queue exists.
func (s *Supervisor) QueueCap() int {
	if q := s.queue.Load(); q != nil {
		return q.Cap()
	}
	return 0
}

// Feed returns the capture callback of the current run, or nil.
func (s *Supervisor) Feed() *CaptureFeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed
}

// Sink returns the render callback of the current run, or nil.
func (s *Supervisor) Sink() *RenderSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}
