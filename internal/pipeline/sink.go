package pipeline

import (
	"sync/atomic"

	"github.com/MrWong99/echoloop/pkg/audio/ringbuf"
)

// RenderSink is the render-side callback of a pipeline. It owns the consumer
// half of the queue; its OnBlock method is handed to the output driver and
// runs on the driver's real-time thread.
type RenderSink struct {
	cons   *ringbuf.Consumer
	report reporter

	underflowed atomic.Bool
}

func newRenderSink(cons *ringbuf.Consumer, report reporter) *RenderSink {
	return &RenderSink{cons: cons, report: report}
}

// OnBlock overwrites every slot of buf with the next queued sample. Slots for
// which the queue is empty receive silence; if any did, the block is flagged
// as underflowed and a single [EventUnderflow] is reported for it.
//
// OnBlock never blocks, allocates, or panics.
func (r *RenderSink) OnBlock(buf []float32) {
	stats := r.report.stats
	block := stats.renderBlocks.Add(1)

	silent := 0
	for i := range buf {
		s, ok := r.cons.Pop()
		if !ok {
			silent++
		}
		buf[i] = s
	}

	r.underflowed.Store(silent > 0)
	if silent == 0 {
		return
	}
	stats.underflowBlocks.Add(1)
	stats.silenceSamples.Add(uint64(silent))
	r.report.emit(Event{Kind: EventUnderflow, Block: block, Samples: silent})
}

// Underflowed reports whether the most recent block contained silence
// substituted for missing samples.
func (r *RenderSink) Underflowed() bool {
	return r.underflowed.Load()
}
