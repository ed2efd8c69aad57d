// Package portaudio implements [audio.Device] on top of the PortAudio C
// library, giving the satellite access to the host's default microphone and
// speaker.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/hearken/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ audio.Source = (*source)(nil)
	_ audio.Sink   = (*sink)(nil)
)

const (
	// defaultFramesPerBuffer is 64 ms at 16 kHz.
	defaultFramesPerBuffer = 1024

	// frameQueue bounds the capture channel; frames beyond it are dropped.
	frameQueue = 32
)

// Option configures a [Device].
type Option func(*Device)

// WithFramesPerBuffer sets the PortAudio buffer size used for both streams.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.framesPerBuffer = n
		}
	}
}

// Device opens streams on the PortAudio default input and output devices.
type Device struct {
	framesPerBuffer int

	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio. Call [Device.Close] to terminate it.
func New(opts ...Option) (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	d := &Device{framesPerBuffer: defaultFramesPerBuffer}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// OpenSource implements [audio.Device]. It first asks for preferredRate and
// falls back to the default input device's native rate when the hardware
// refuses it.
func (d *Device) OpenSource(ctx context.Context, preferredRate int) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]float32, d.framesPerBuffer)
	rate := float64(preferredRate)
	stream, err := pa.OpenDefaultStream(1, 0, rate, len(buf), buf)
	if err != nil {
		info, derr := pa.DefaultInputDevice()
		if derr != nil {
			return nil, fmt.Errorf("portaudio: open input at %d Hz: %w", preferredRate, errors.Join(err, derr))
		}
		slog.Warn("portaudio: preferred capture rate unavailable, using device default",
			"preferred", preferredRate,
			"device", info.Name,
			"rate", info.DefaultSampleRate,
			"err", err,
		)
		rate = info.DefaultSampleRate
		stream, err = pa.OpenDefaultStream(1, 0, rate, len(buf), buf)
		if err != nil {
			return nil, fmt.Errorf("portaudio: open input at %.0f Hz: %w", rate, err)
		}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}

	s := &source{
		stream: stream,
		buf:    buf,
		rate:   int(rate),
		frames: make(chan audio.AudioFrame, frameQueue),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// OpenSink implements [audio.Device]. The output stream is opened lazily on
// the first Play so it can match the clip rate.
func (d *Device) OpenSink(ctx context.Context) (audio.Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sink{framesPerBuffer: d.framesPerBuffer}, nil
}

// ─── Source ───────────────────────────────────────────────────────────────────

type source struct {
	stream *pa.Stream
	buf    []float32
	rate   int
	frames chan audio.AudioFrame
	done   chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
	once    sync.Once
}

func (s *source) Frames() <-chan audio.AudioFrame { return s.frames }
func (s *source) SampleRate() int                 { return s.rate }

func (s *source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *source) readLoop() {
	defer close(s.done)
	defer close(s.frames)

	var captured int
	for {
		if err := s.stream.Read(); err != nil {
			s.mu.Lock()
			if !s.closing {
				s.err = fmt.Errorf("portaudio: read: %w", err)
			}
			s.mu.Unlock()
			return
		}

		samples := make([]float32, len(s.buf))
		copy(samples, s.buf)
		frame := audio.AudioFrame{
			Samples:    samples,
			SampleRate: s.rate,
			Timestamp:  time.Duration(captured) * time.Second / time.Duration(s.rate),
		}
		captured += len(samples)

		select {
		case s.frames <- frame:
		default:
			// Consumer is behind; capture must never block.
		}
	}
}

func (s *source) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		if aerr := s.stream.Abort(); aerr != nil {
			err = fmt.Errorf("portaudio: abort input: %w", aerr)
		}
		<-s.done
		if cerr := s.stream.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("portaudio: close input: %w", cerr))
		}
	})
	return err
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

type sink struct {
	framesPerBuffer int

	mu     sync.Mutex
	stream *pa.Stream
	buf    []float32
	rate   int
	closed bool
}

// Play writes samples in buffer-sized blocks, zero-padding the last one. A
// clip at a new rate reopens the output stream.
func (s *sink) Play(ctx context.Context, samples []float32, rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return audio.ErrSourceClosed
	}
	if err := s.ensureStreamLocked(rate); err != nil {
		return err
	}

	for off := 0; off < len(samples); off += len(s.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(s.buf, samples[off:])
		clear(s.buf[n:])
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

func (s *sink) ensureStreamLocked(rate int) error {
	if s.stream != nil && s.rate == rate {
		return nil
	}
	if s.stream != nil {
		_ = s.stream.Stop()
		_ = s.stream.Close()
		s.stream = nil
	}

	buf := make([]float32, s.framesPerBuffer)
	stream, err := pa.OpenDefaultStream(0, 1, float64(rate), len(buf), buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output at %d Hz: %w", rate, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	s.stream, s.buf, s.rate = stream, buf, rate
	return nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stream == nil {
		return nil
	}
	err := s.stream.Abort()
	if cerr := s.stream.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	s.stream = nil
	if err != nil {
		return fmt.Errorf("portaudio: close output: %w", err)
	}
	return nil
}
