package pipeline

import (
	"testing"

	"github.com/MrWong99/echoloop/pkg/audio/ringbuf"
)

// harness wires a feed and a sink around one queue without a supervisor.
type harness struct {
	feed   *CaptureFeed
	sink   *RenderSink
	prod   *ringbuf.Producer
	cons   *ringbuf.Consumer
	queue  *ringbuf.Queue
	events chan Event
	stats  *counters
}

func newHarness(t *testing.T, capacity, eventBuffer int) *harness {
	t.Helper()
	q, err := ringbuf.New(capacity)
	if err != nil {
		t.Fatalf("ringbuf.New: %v", err)
	}
	prod, cons := q.Split()
	h := &harness{
		prod:   prod,
		cons:   cons,
		queue:  q,
		events: make(chan Event, eventBuffer),
		stats:  &counters{},
	}
	rep := reporter{ch: h.events, stats: h.stats}
	h.feed = newCaptureFeed(prod, rep)
	h.sink = newRenderSink(cons, rep)
	return h
}

// pending returns all events currently buffered.
func (h *harness) pending() []Event {
	var out []Event
	for {
		select {
		case e := <-h.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestCaptureFeed_NoOverflow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 8, 4)

	h.feed.OnBlock([]float32{0.1, 0.2, 0.3})

	if h.feed.Overflowed() {
		t.Error("Overflowed = true, want false")
	}
	if ev := h.pending(); len(ev) != 0 {
		t.Errorf("events = %v, want none", ev)
	}
	if h.queue.Len() != 3 {
		t.Errorf("queue Len = %d, want 3", h.queue.Len())
	}
	if got := h.stats.captureBlocks.Load(); got != 1 {
		t.Errorf("captureBlocks = %d, want 1", got)
	}
}

func TestCaptureFeed_FullQueueFlagsOncePerBlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4, 4)
	h.prod.Fill(0.5, 4)

	block := make([]float32, 100)
	for i := range block {
		block[i] = 0.9
	}
	h.feed.OnBlock(block)

	if !h.feed.Overflowed() {
		t.Fatal("Overflowed = false, want true")
	}
	ev := h.pending()
	if len(ev) != 1 {
		t.Fatalf("got %d events, want exactly 1", len(ev))
	}
	if ev[0].Kind != EventOverflow || ev[0].Samples != 100 || ev[0].Block != 1 {
		t.Errorf("event = %+v, want {Overflow block 1, 100 samples}", ev[0])
	}
	if got := h.stats.overflowBlocks.Load(); got != 1 {
		t.Errorf("overflowBlocks = %d, want 1", got)
	}
	if got := h.stats.droppedSamples.Load(); got != 100 {
		t.Errorf("droppedSamples = %d, want 100", got)
	}

	// The unread samples are untouched by the rejected pushes.
	for range 4 {
		if s, _ := h.cons.Pop(); s != 0.5 {
			t.Fatalf("queued sample = %v, want 0.5", s)
		}
	}
}

func TestCaptureFeed_DropsNewestSamples(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4, 4)

	h.feed.OnBlock([]float32{1, 2, 3, 4, 5, 6})

	ev := h.pending()
	if len(ev) != 1 || ev[0].Samples != 2 {
		t.Fatalf("events = %+v, want one overflow of 2 samples", ev)
	}
	for _, want := range []float32{1, 2, 3, 4} {
		if s, ok := h.cons.Pop(); !ok || s != want {
			t.Fatalf("Pop = (%v,%v), want (%v,true)", s, ok, want)
		}
	}
	if _, ok := h.cons.Pop(); ok {
		t.Error("dropped samples were queued")
	}
}

func TestCaptureFeed_FlagClearsOnNextBlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, 4)

	h.feed.OnBlock([]float32{1, 2, 3})
	if !h.feed.Overflowed() {
		t.Fatal("first block: Overflowed = false, want true")
	}

	h.cons.Pop()
	h.cons.Pop()
	h.feed.OnBlock([]float32{4})
	if h.feed.Overflowed() {
		t.Error("second block: Overflowed = true, want false")
	}
	if got := len(h.pending()); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

func TestCaptureFeed_FullEventBufferCountsLostEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, 1)
	h.prod.Fill(0, 1)

	for range 3 {
		h.feed.OnBlock([]float32{1})
	}

	if got := len(h.pending()); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
	if got := h.stats.lostEvents.Load(); got != 2 {
		t.Errorf("lostEvents = %d, want 2", got)
	}
	if got := h.stats.overflowBlocks.Load(); got != 3 {
		t.Errorf("overflowBlocks = %d, want 3", got)
	}
}

func TestCaptureFeed_EmptyBlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, 1)
	h.prod.Fill(0, 1)

	h.feed.OnBlock(nil)

	if h.feed.Overflowed() {
		t.Error("empty block flagged as overflowed")
	}
	if got := len(h.pending()); got != 0 {
		t.Errorf("events = %d, want 0", got)
	}
}
