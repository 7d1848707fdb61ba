package pipeline

import "sync/atomic"

// EventKind classifies the non-fatal conditions the hot path reports.
type EventKind int

const (
	// EventOverflow is emitted when the capture side found the queue full
	// during a block: the render side fell behind and captured samples were
	// dropped.
	EventOverflow EventKind = iota

	// EventUnderflow is emitted when the render side found the queue empty
	// during a block: the capture side fell behind and silence was played.
	EventUnderflow
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOverflow:
		return "OVERFLOW"
	case EventUnderflow:
		return "UNDERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Event reports one block that overflowed or underflowed. At most one event
// is emitted per block regardless of how many samples were affected.
type Event struct {
	// Kind tells which side fell behind.
	Kind EventKind

	// Block is the 1-based sequence number of the affected block on its side
	// of the pipeline.
	Block uint64

	// Samples is the number of samples dropped (overflow) or replaced by
	// silence (underflow) within the block.
	Samples int
}

// counters accumulate hot-path statistics. They are shared by the feed and
// the sink of every run of a [Supervisor] and only ever grow.
type counters struct {
	captureBlocks  atomic.Uint64
	overflowBlocks atomic.Uint64
	droppedSamples atomic.Uint64

	renderBlocks    atomic.Uint64
	underflowBlocks atomic.Uint64
	silenceSamples  atomic.Uint64

	lostEvents atomic.Uint64
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	CaptureBlocks  uint64
	OverflowBlocks uint64
	DroppedSamples uint64

	RenderBlocks    uint64
	UnderflowBlocks uint64
	SilenceSamples  uint64

	// LostEvents counts events that could not be queued for reporting because
	// the event buffer was full. The underlying blocks are still reflected in
	// the other counters.
	LostEvents uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		CaptureBlocks:   c.captureBlocks.Load(),
		OverflowBlocks:  c.overflowBlocks.Load(),
		DroppedSamples:  c.droppedSamples.Load(),
		RenderBlocks:    c.renderBlocks.Load(),
		UnderflowBlocks: c.underflowBlocks.Load(),
		SilenceSamples:  c.silenceSamples.Load(),
		LostEvents:      c.lostEvents.Load(),
	}
}

// reporter hands events from the real-time callbacks to the supervisor
// without blocking.
type reporter struct {
	ch    chan<- Event
	stats *counters
}

// emit queues e, or counts it as lost if the buffer is full.
func (r reporter) emit(e Event) {
	select {
	case r.ch <- e:
	default:
		r.stats.lostEvents.Add(1)
	}
}
