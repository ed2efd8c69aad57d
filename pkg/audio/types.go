package audio

import "time"

const (
	// TargetRate is the sample rate every model and the bridge expect.
	TargetRate = 16000

	// ChunkSamples is the number of 16 kHz samples in one inference chunk
	// (80 ms).
	ChunkSamples = 1280

	// DefaultPlaybackRate is the rate assumed for inbound synthesized speech
	// until the bridge announces another one.
	DefaultPlaybackRate = 22050
)

// AudioFrame represents a single block of mono audio flowing through the
// pipeline. Frames are produced by a [Source] and handed off by value; the
// receiver must not modify Samples after passing the frame on.
type AudioFrame struct {
	// Samples holds mono float samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 48000 from a USB microphone, 16000 after
	// resampling).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
