package playback_test

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hearken/pkg/audio/mock"
	"github.com/MrWong99/hearken/pkg/audio/playback"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// pcm returns n zero-valued int16 samples as little-endian bytes.
func pcm(n int) []byte { return make([]byte, n*2) }

func newScheduler(t *testing.T, clk *fakeClock, opts ...playback.Option) (*playback.Scheduler, *mock.Sink) {
	t.Helper()
	opts = append([]playback.Option{playback.WithClock(clk.Now)}, opts...)
	s := playback.New(opts...)
	t.Cleanup(func() { _ = s.Close() })
	sink := &mock.Sink{}
	s.Attach(sink)
	return s, sink
}

func waitPlayed(t *testing.T, sink *mock.Sink, n int) {
	t.Helper()
	for range n {
		select {
		case <-sink.Played():
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d plays, got %d", n, len(sink.Calls()))
		}
	}
}

func TestScheduler_BackToBackClips(t *testing.T) {
	clk := newFakeClock()
	s, _ := newScheduler(t, clk, playback.WithRate(16000))

	first, ok := s.Enqueue(pcm(8000)) // 0.5 s
	if !ok {
		t.Fatal("first enqueue rejected")
	}
	second, ok := s.Enqueue(pcm(4800)) // 0.3 s
	if !ok {
		t.Fatal("second enqueue rejected")
	}

	if !first.Start.Equal(clk.Now()) {
		t.Errorf("first start = %v, want now %v", first.Start, clk.Now())
	}
	if first.Duration != 500*time.Millisecond {
		t.Errorf("first duration = %v, want 500ms", first.Duration)
	}
	if !second.Start.Equal(first.End()) {
		t.Errorf("gap between clips: second starts %v, first ends %v", second.Start, first.End())
	}
	if span := second.End().Sub(first.Start); span != 800*time.Millisecond {
		t.Errorf("total span = %v, want 800ms", span)
	}
}

func TestScheduler_ResyncsToNowWhenIdle(t *testing.T) {
	clk := newFakeClock()
	s, _ := newScheduler(t, clk, playback.WithRate(16000))

	first, _ := s.Enqueue(pcm(1600)) // 0.1 s
	clk.Advance(2 * time.Second)
	second, _ := s.Enqueue(pcm(1600))

	if !second.Start.Equal(clk.Now()) {
		t.Errorf("second start = %v, want now %v", second.Start, clk.Now())
	}
	if !second.Start.After(first.End()) {
		t.Error("idle clip was scheduled into the past")
	}
}

func TestScheduler_StripsRIFFHeader(t *testing.T) {
	clk := newFakeClock()
	s, _ := newScheduler(t, clk, playback.WithRate(16000))

	header := make([]byte, 44)
	copy(header, "RIFF")
	binary.LittleEndian.PutUint32(header[24:], 16000)

	clip, ok := s.Enqueue(append(header, pcm(160)...))
	if !ok {
		t.Fatal("enqueue rejected")
	}
	if len(clip.Samples) != 160 {
		t.Errorf("samples = %d, want 160 (header must not be decoded as audio)", len(clip.Samples))
	}
}

func TestScheduler_DefaultRate(t *testing.T) {
	clk := newFakeClock()
	s, _ := newScheduler(t, clk)

	if got := s.Rate(); got != 22050 {
		t.Fatalf("default rate = %d, want 22050", got)
	}
	clip, _ := s.Enqueue(pcm(22050))
	if clip.Duration != time.Second {
		t.Errorf("duration = %v, want 1s", clip.Duration)
	}
}

func TestScheduler_SetRateResetsTimeline(t *testing.T) {
	clk := newFakeClock()
	s, _ := newScheduler(t, clk, playback.WithRate(16000), playback.WithLead(50*time.Millisecond))

	s.Enqueue(pcm(16000 * 5)) // 5 s queued ahead

	s.SetRate(24000)
	clip, _ := s.Enqueue(pcm(2400))

	want := clk.Now().Add(50 * time.Millisecond)
	if !clip.Start.Equal(want) {
		t.Errorf("start after rate change = %v, want %v", clip.Start, want)
	}
	if clip.Rate != 24000 {
		t.Errorf("clip rate = %d, want 24000", clip.Rate)
	}
	if clip.Duration != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", clip.Duration)
	}
}

func TestScheduler_SetRateIgnoresInvalid(t *testing.T) {
	s, _ := newScheduler(t, newFakeClock())
	s.SetRate(0)
	s.SetRate(-1)
	if got := s.Rate(); got != 22050 {
		t.Errorf("rate = %d, want 22050", got)
	}
}

func TestScheduler_PlaysInOrder(t *testing.T) {
	clk := newFakeClock()
	s, sink := newScheduler(t, clk, playback.WithRate(16000))

	s.EnqueueSamples([]float32{0.1}, 0)
	s.EnqueueSamples([]float32{0.2}, 0)
	s.EnqueueSamples([]float32{0.3}, 8000)
	waitPlayed(t, sink, 3)

	calls := sink.Calls()
	want := []struct {
		v    float32
		rate int
	}{{0.1, 16000}, {0.2, 16000}, {0.3, 8000}}
	for i, w := range want {
		if calls[i].Samples[0] != w.v || calls[i].Rate != w.rate {
			t.Errorf("play %d = (%v, %d), want (%v, %d)", i, calls[i].Samples[0], calls[i].Rate, w.v, w.rate)
		}
	}
}

func TestScheduler_DropsWithoutSink(t *testing.T) {
	s := playback.New()
	defer s.Close()

	if _, ok := s.Enqueue(pcm(100)); ok {
		t.Error("enqueue without sink should be rejected")
	}
}

func TestScheduler_RejectsEmptyPayload(t *testing.T) {
	s, _ := newScheduler(t, newFakeClock())
	header := make([]byte, 44)
	copy(header, "RIFF")
	if _, ok := s.Enqueue(header); ok {
		t.Error("header-only payload should be rejected")
	}
	if _, ok := s.Enqueue(nil); ok {
		t.Error("nil payload should be rejected")
	}
}

func TestScheduler_DetachInterruptsPlayback(t *testing.T) {
	clk := newFakeClock()
	s := playback.New(playback.WithClock(clk.Now), playback.WithRate(16000))
	defer s.Close()

	sink := &mock.Sink{Block: true}
	s.Attach(sink)

	s.Enqueue(pcm(160))
	s.Enqueue(pcm(160))
	waitPlayed(t, sink, 1)

	s.Detach()
	if got := s.Pending(); got != 0 {
		t.Errorf("pending after detach = %d, want 0", got)
	}
	if _, ok := s.Enqueue(pcm(160)); ok {
		t.Error("enqueue after detach should be rejected")
	}

	// The blocked Play must have been released; give the dispatcher a moment
	// and confirm no second clip was written.
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.Calls()); got != 1 {
		t.Errorf("play calls = %d, want 1", got)
	}
}

func TestScheduler_FlushResetsTimeline(t *testing.T) {
	clk := newFakeClock()
	s, _ := newScheduler(t, clk, playback.WithRate(16000))

	s.Enqueue(pcm(16000 * 3))
	s.Flush()

	clip, _ := s.Enqueue(pcm(160))
	if !clip.Start.Equal(clk.Now()) {
		t.Errorf("start after flush = %v, want now %v", clip.Start, clk.Now())
	}
}

func TestScheduler_CloseIdempotent(t *testing.T) {
	s := playback.New()
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestChime(t *testing.T) {
	c := playback.Chime(16000)
	if want := 16000 * 210 / 1000; len(c) != want {
		t.Fatalf("chime length = %d, want %d", len(c), want)
	}
	if c[0] != 0 {
		t.Errorf("chime must start silent, got %v", c[0])
	}
	for i, v := range c {
		if v > 0.3 || v < -0.3 {
			t.Fatalf("sample %d = %v exceeds gain", i, v)
		}
	}
}

func TestTone_Empty(t *testing.T) {
	if got := playback.Tone(440, 0, 16000, 1); got != nil {
		t.Errorf("zero-length tone = %v, want nil", got)
	}
}
