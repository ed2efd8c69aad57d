// Package recorder writes the audio forwarded during each listening run to a
// WAV file for diagnosing silent or clipped captures.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/MrWong99/hearken/pkg/audio"
)

// ErrNotRecording is returned by [Recorder.Stop] when no run is open.
var ErrNotRecording = errors.New("recorder: not recording")

const (
	bitDepth  = 16
	pcmFormat = 1 // WAVE_FORMAT_PCM
)

// Summary describes a finished recording.
type Summary struct {
	Path     string
	Samples  int
	Duration time.Duration
	RMS      float64
	Peak     float64
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithClock sets the time source used in file names.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// Recorder records one run at a time. All methods are safe for concurrent
// use; a nil *Recorder is a valid no-op recorder.
type Recorder struct {
	fs  afero.Fs
	dir string
	now func() time.Time

	mu  sync.Mutex
	cur *recording
}

type recording struct {
	path    string
	file    afero.File
	enc     *wav.Encoder
	buf     *goaudio.IntBuffer
	samples int
	sumSq   float64
	peak    float64
}

// New returns a Recorder writing 16 kHz mono 16-bit files into dir on fs.
func New(fs afero.Fs, dir string, opts ...Option) *Recorder {
	r := &Recorder{fs: fs, dir: dir, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start opens debug_<timestamp>_<runID>.wav. A run still open is finished
// first.
func (r *Recorder) Start(runID string) error {
	if r == nil {
		return nil
	}
	if _, err := r.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		slog.Warn("recorder: closing previous run", "err", err)
	}

	if err := r.fs.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: create %s: %w", r.dir, err)
	}
	name := fmt.Sprintf("debug_%s_%s.wav", r.now().UTC().Format("20060102T150405"), runID)
	path := filepath.Join(r.dir, name)
	f, err := r.fs.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}

	rec := &recording{
		path: path,
		file: f,
		enc:  wav.NewEncoder(f, audio.TargetRate, bitDepth, 1, pcmFormat),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: audio.TargetRate},
			SourceBitDepth: bitDepth,
		},
	}
	// An empty write emits the headers so a run without audio is still a
	// valid file.
	if err := rec.enc.Write(rec.buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("recorder: write header %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = rec
	return nil
}

// Write appends 16 kHz float samples to the open run. It is a no-op when
// nothing is being recorded.
func (r *Recorder) Write(samples []float32) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.cur
	if rec == nil || len(samples) == 0 {
		return nil
	}

	data := rec.buf.Data[:0]
	for _, s := range samples {
		data = append(data, int(audio.FloatToInt16(s)))
	}
	rec.buf.Data = data

	// Running totals so Stop can report the level of the whole run.
	rms, peak := audio.Level(samples)
	rec.sumSq += rms * rms * float64(len(samples))
	rec.peak = max(rec.peak, peak)
	rec.samples += len(samples)
	if err := rec.enc.Write(rec.buf); err != nil {
		return fmt.Errorf("recorder: write %s: %w", rec.path, err)
	}
	return nil
}

// Recording reports whether a run is open.
func (r *Recorder) Recording() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}

// Stop finalises the open run and logs its level.
func (r *Recorder) Stop() (Summary, error) {
	if r == nil {
		return Summary{}, ErrNotRecording
	}
	r.mu.Lock()
	rec := r.cur
	r.cur = nil
	r.mu.Unlock()
	if rec == nil {
		return Summary{}, ErrNotRecording
	}

	s := Summary{
		Path:     rec.path,
		Samples:  rec.samples,
		Duration: time.Duration(rec.samples) * time.Second / audio.TargetRate,
		Peak:     rec.peak,
	}
	if rec.samples > 0 {
		s.RMS = math.Sqrt(rec.sumSq / float64(rec.samples))
	}

	err := errors.Join(rec.enc.Close(), rec.file.Close())
	if err != nil {
		return s, fmt.Errorf("recorder: finish %s: %w", rec.path, err)
	}
	slog.Info("recorder: saved run",
		"path", s.Path,
		"duration", s.Duration,
		"rms", s.RMS,
		"peak", s.Peak,
	)
	if s.Samples > 0 && s.Peak < 1e-4 {
		slog.Warn("recorder: run was silent, check the capture device", "path", s.Path)
	}
	return s, nil
}
