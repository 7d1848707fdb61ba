package pipeline

import (
	"sync/atomic"

	"github.com/MrWong99/echoloop/pkg/audio/ringbuf"
)

// CaptureFeed is the capture-side callback of a pipeline. It owns the producer
// half of the queue; its OnBlock method is handed to the input driver and runs
// on the driver's real-time thread.
type CaptureFeed struct {
	prod   *ringbuf.Producer
	report reporter

	overflowed atomic.Bool
}

func newCaptureFeed(prod *ringbuf.Producer, report reporter) *CaptureFeed {
	return &CaptureFeed{prod: prod, report: report}
}

// OnBlock pushes every captured sample into the queue. Samples that do not fit
// are dropped; if any were, the block is flagged as overflowed and a single
// [EventOverflow] is reported for it.
//
// OnBlock never blocks, allocates, or panics.
func (f *CaptureFeed) OnBlock(samples []float32) {
	stats := f.report.stats
	block := stats.captureBlocks.Add(1)

	dropped := 0
	for _, s := range samples {
		if !f.prod.Push(s) {
			dropped++
		}
	}

	f.overflowed.Store(dropped > 0)
	if dropped == 0 {
		return
	}
	stats.overflowBlocks.Add(1)
	stats.droppedSamples.Add(uint64(dropped))
	f.report.emit(Event{Kind: EventOverflow, Block: block, Samples: dropped})
}

// Overflowed reports whether the most recent block dropped samples.
func (f *CaptureFeed) Overflowed() bool {
	return f.overflowed.Load()
}
