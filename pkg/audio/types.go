package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidFormat is returned by [Format.Validate] when the sample rate or the
// channel count is not positive.
var ErrInvalidFormat = errors.New("audio: invalid stream format")

// Format describes the sample rate and channel count of an audio stream.
// Samples are always interleaved 32-bit floats; there is no sample-type field
// because both ends of a passthrough must agree on it and no conversion is
// performed.
type Format struct {
	// SampleRate in Hz (e.g., 44100, 48000).
	SampleRate int `yaml:"sample_rate"`

	// Channels is the number of interleaved channels (1 = mono, 2 = stereo).
	Channels int `yaml:"channels"`
}

// Validate reports whether f describes a usable stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channel count %d", ErrInvalidFormat, f.Channels)
	}
	return nil
}

// IsZero reports whether f is the zero value, which configs use to mean
// "take the device default".
func (f Format) IsZero() bool {
	return f.SampleRate == 0 && f.Channels == 0
}

// SamplesPerSecond returns the number of interleaved samples one second of
// audio occupies.
func (f Format) SamplesPerSecond() int {
	return f.SampleRate * f.Channels
}

// Duration returns how much audio n interleaved samples represent in f.
// It returns 0 for an invalid format.
func (f Format) Duration(n int) time.Duration {
	sps := f.SamplesPerSecond()
	if sps <= 0 {
		return 0
	}
	if int64(n) > math.MaxInt64/int64(time.Second) {
		return time.Duration(float64(n) / float64(sps) * float64(time.Second))
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sps))
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

func formatString(sampleRate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", sampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", sampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", sampleRate, channels)
	}
}
