// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.Sink], and [audio.Device] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(48000)
//	sink := &mock.Sink{}
//	dev := &mock.Device{SourceResult: src, SinkResult: sink}
//	src.Emit(make([]float32, 4800))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/hearken/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
	_ audio.Device = (*Device)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Frames are injected with
// [Source.Emit]; the channel is closed by Close or [Source.Fail].
type Source struct {
	mu sync.Mutex

	rate   int
	frames chan audio.AudioFrame
	err    error
	closed bool
	clock  time.Duration // stream position of the next frame

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource returns a Source reporting rate with a 64-frame buffer.
func NewSource(rate int) *Source {
	return &Source{rate: rate, frames: make(chan audio.AudioFrame, 64)}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame { return s.frames }

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.rate }

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers samples as one frame at the source rate, timestamped right
// after the previous one. It reports false if the source is closed.
func (s *Source) Emit(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	f := audio.AudioFrame{Samples: samples, SampleRate: s.rate, Timestamp: s.clock}
	s.clock += f.Duration()
	s.frames <- f
	return true
}

// Skip advances the stream clock by d without delivering audio, as a device
// that dropped frames would.
func (s *Source) Skip(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock += d
}

// Fail stops the source with err, as a device failure would.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.frames)
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Closed reports whether Close or Fail has been called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Sink.Play] invocation.
type PlayCall struct {
	Samples []float32
	Rate    int
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by Play.
	PlayError error

	// Block makes Play wait until ctx is done, simulating a full hardware
	// buffer.
	Block bool

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	played chan struct{}
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, samples []float32, rate int) error {
	s.mu.Lock()
	s.PlayCalls = append(s.PlayCalls, PlayCall{Samples: samples, Rate: rate})
	block, err := s.Block, s.PlayError
	ch := s.playedLocked()
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Played returns a channel that receives a value after each Play call. The
// channel is buffered by 64; signals beyond that are dropped.
func (s *Sink) Played() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playedLocked()
}

func (s *Sink) playedLocked() chan struct{} {
	if s.played == nil {
		s.played = make(chan struct{}, 64)
	}
	return s.played
}

// Calls returns a copy of the recorded Play calls.
func (s *Sink) Calls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.PlayCalls))
	copy(out, s.PlayCalls)
	return out
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// SourceResult is returned by OpenSource.
	SourceResult audio.Source

	// SourceError is returned by OpenSource.
	SourceError error

	// SinkResult is returned by OpenSink.
	SinkResult audio.Sink

	// SinkError is returned by OpenSink.
	SinkError error

	// OpenSourceRates records the preferredRate of every OpenSource call.
	OpenSourceRates []int

	// CallCountOpenSink records how many times OpenSink was called.
	CallCountOpenSink int
}

// OpenSource implements [audio.Device].
func (d *Device) OpenSource(_ context.Context, preferredRate int) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenSourceRates = append(d.OpenSourceRates, preferredRate)
	if d.SourceError != nil {
		return nil, d.SourceError
	}
	return d.SourceResult, nil
}

// OpenSink implements [audio.Device].
func (d *Device) OpenSink(_ context.Context) (audio.Sink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenSink++
	if d.SinkError != nil {
		return nil, d.SinkError
	}
	return d.SinkResult, nil
}
