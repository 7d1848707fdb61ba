// Package latency converts a target passthrough latency into ring buffer
// dimensions.
package latency

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/echoloop/pkg/audio"
)

// SafetyFactor is the ratio between ring buffer capacity and pre-fill. The
// headroom above the pre-fill absorbs rate mismatch and scheduling jitter
// between the capture and render clocks.
const SafetyFactor = 2

// DefaultTargetMs is the latency target used when none is configured.
const DefaultTargetMs = 550.0

// ErrInvalidFormat is returned by [Compute] for a format or latency target that
// cannot be turned into a buffer size. It is [audio.ErrInvalidFormat], so
// either name matches with errors.Is.
var ErrInvalidFormat = audio.ErrInvalidFormat

// Sizing is the result of [Compute].
type Sizing struct {
	// Format the sizing was computed for.
	Format audio.Format

	// Prefill is the number of silent samples written before the pipeline
	// starts. It equals the target latency expressed in samples.
	Prefill int

	// Capacity is the ring buffer size in samples (Prefill * SafetyFactor).
	Capacity int
}

// Compute derives buffer sizing for format f and a target latency in
// milliseconds:
//
//	samplesPerMs = SampleRate * Channels / 1000
//	Prefill      = round(targetMs * samplesPerMs)
//	Capacity     = Prefill * SafetyFactor
func Compute(f audio.Format, targetMs float64) (Sizing, error) {
	if err := f.Validate(); err != nil {
		return Sizing{}, fmt.Errorf("latency: %w", err)
	}
	if math.IsNaN(targetMs) || math.IsInf(targetMs, 0) || targetMs < 0 {
		return Sizing{}, fmt.Errorf("latency: %w: target %v ms", ErrInvalidFormat, targetMs)
	}

	samplesPerMs := float64(f.SampleRate) * float64(f.Channels) / 1000
	prefill := math.Round(targetMs * samplesPerMs)
	if prefill < 1 {
		return Sizing{}, fmt.Errorf("latency: %w: target %v ms is shorter than one sample", ErrInvalidFormat, targetMs)
	}
	if prefill > math.MaxInt/SafetyFactor {
		return Sizing{}, fmt.Errorf("latency: %w: target %v ms is too large", ErrInvalidFormat, targetMs)
	}

	p := int(prefill)
	return Sizing{
		Format:   f,
		Prefill:  p,
		Capacity: p * SafetyFactor,
	}, nil
}

// Latency returns the audio duration held by the pre-fill, i.e. the nominal
// input-to-output delay.
func (s Sizing) Latency() time.Duration {
	return s.Format.Duration(s.Prefill)
}

// BufferDuration returns the audio duration the full ring buffer can hold.
func (s Sizing) BufferDuration() time.Duration {
	return s.Format.Duration(s.Capacity)
}
