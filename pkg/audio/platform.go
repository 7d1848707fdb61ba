// Package audio defines the device-facing contracts and stream format types
// shared by the echoloop passthrough pipeline.
//
// The primary abstractions are:
//
//   - [InputDriver]: opens a capture stream that delivers interleaved sample
//     blocks to a callback on the driver's own real-time thread.
//   - [OutputDriver]: opens a render stream that asks a callback to fill
//     interleaved sample blocks on the driver's own real-time thread.
//   - [Stream]: an opened device stream with an explicit lifecycle.
//
// Implementations live in backend packages (audio/portaudio, audio/oto,
// audio/virtual) and in audio/mock for tests. The interfaces are narrow so the
// pipeline stays decoupled from any particular host audio API.
//
// This package lives under pkg/ because external code is expected to implement
// [InputDriver] and [OutputDriver] for other host APIs.
package audio

import "errors"

// ErrDeviceUnavailable is returned when a driver cannot open or start a device.
// Drivers wrap their native error with it.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// ErrStreamConfigMismatch is returned when a device cannot run with the
// requested [Format], or when the input and output devices share no format.
var ErrStreamConfigMismatch = errors.New("audio: stream config mismatch")

// CaptureFunc receives one block of interleaved samples captured by an input
// device. The slice is only valid for the duration of the call.
//
// A CaptureFunc runs on a real-time thread: it must not block, allocate, or
// otherwise do unbounded work.
type CaptureFunc func(samples []float32)

// RenderFunc fills one block of interleaved samples for an output device.
// Every slot of buf must be written; the slice is only valid for the duration
// of the call.
//
// A RenderFunc runs on a real-time thread: it must not block, allocate, or
// otherwise do unbounded work.
type RenderFunc func(buf []float32)

// Device describes the capabilities of one side of a passthrough.
type Device interface {
	// Name returns the human-readable device name (used in logs).
	Name() string

	// DefaultFormat returns the format the device prefers.
	DefaultFormat() (Format, error)

	// Supports returns nil if the device can run a stream in f. Otherwise it
	// returns an error wrapping [ErrStreamConfigMismatch].
	Supports(f Format) error
}

// InputDriver opens capture streams.
//
// Implementations must be safe for concurrent use.
type InputDriver interface {
	Device

	// OpenInput prepares a capture stream in format f. Once the returned
	// [Stream] is started, the driver invokes onBlock repeatedly from its own
	// thread until the stream is closed. Invocations are never concurrent with
	// each other.
	//
	// Returns an error wrapping [ErrDeviceUnavailable] if the device cannot be
	// opened, or [ErrStreamConfigMismatch] if it rejects f.
	OpenInput(f Format, onBlock CaptureFunc) (Stream, error)
}

// OutputDriver opens render streams.
//
// Implementations must be safe for concurrent use.
type OutputDriver interface {
	Device

	// OpenOutput prepares a render stream in format f. Once the returned
	// [Stream] is started, the driver invokes onBlock repeatedly from its own
	// thread until the stream is closed. Invocations are never concurrent with
	// each other.
	//
	// Returns an error wrapping [ErrDeviceUnavailable] if the device cannot be
	// opened, or [ErrStreamConfigMismatch] if it rejects f.
	OpenOutput(f Format, onBlock RenderFunc) (Stream, error)
}

// Stream is an opened device stream.
type Stream interface {
	// Start begins invoking the stream's block callback.
	Start() error

	// Close stops the stream and releases the device. After Close returns no
	// further block callbacks are started; a callback already in progress is
	// allowed to finish. It is safe to call Close more than once; subsequent
	// calls are no-ops and return nil.
	Close() error

	// Err delivers asynchronous stream failures reported by the host API
	// (device unplugged, backend crash). The channel is never closed by the
	// stream; a nil channel means the backend cannot report such failures.
	Err() <-chan error
}
