// Package audio defines the sample types, conversions and device contracts
// used by the Hearken capture and playback paths.
//
// The two device-facing abstractions are:
//
//   - [Source]: a running microphone capture delivering [AudioFrame] values.
//   - [Sink]: a speaker output that plays float samples at a given rate.
//
// A [Device] opens both. Implementations live in adapter packages (e.g.,
// audio/portaudio); tests use audio/mock.
package audio

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by operations on a [Source] or [Sink] after
// Close has been called.
var ErrSourceClosed = errors.New("audio: source closed")

// Source is a running capture stream.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Frames returns the channel on which captured frames are delivered. The
	// channel is closed when the source stops, either because Close was
	// called or because the device failed.
	Frames() <-chan AudioFrame

	// SampleRate reports the rate negotiated with the device. It may differ
	// from the requested rate when the hardware cannot honour it.
	SampleRate() int

	// Err returns the error that stopped the source, if any. It is only
	// meaningful after the Frames channel has been closed.
	Err() error

	// Close stops capture and releases the device. It is safe to call more
	// than once.
	Close() error
}

// Sink is an open speaker output.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Play writes samples recorded at rate to the device. It blocks until
	// the samples have been handed to the hardware buffer or ctx is done.
	Play(ctx context.Context, samples []float32, rate int) error

	// Close stops output and releases the device. Pending samples are
	// discarded. It is safe to call more than once.
	Close() error
}

// Device opens capture and playback streams on the host audio system.
type Device interface {
	// OpenSource starts capturing mono audio. preferredRate is a hint; the
	// actual rate is reported by [Source.SampleRate].
	OpenSource(ctx context.Context, preferredRate int) (Source, error)

	// OpenSink opens the default output.
	OpenSink(ctx context.Context) (Sink, error)
}
