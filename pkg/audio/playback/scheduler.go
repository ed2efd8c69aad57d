// Package playback schedules synthesized speech from the bridge onto an
// [audio.Sink] so that consecutive clips of one response play back-to-back
// without gaps or overlap.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hearken/pkg/audio"
)

const (
	// DefaultLead is how far after "now" the first clip following a rate
	// change is scheduled.
	DefaultLead = 50 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the pending clip queue.
	defaultQueueCap = 16
)

// Clip is one scheduled piece of audio.
type Clip struct {
	Samples  []float32
	Rate     int
	Start    time.Time
	Duration time.Duration
}

// End returns the time the clip finishes playing.
func (c Clip) End() time.Time { return c.Start.Add(c.Duration) }

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock replaces time.Now as the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRate sets the initial PCM rate assumed for inbound clips. The default
// is [audio.DefaultPlaybackRate].
func WithRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithLead sets the delay applied after a rate change. The default is
// [DefaultLead].
func WithLead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.lead = d
		}
	}
}

// Scheduler places inbound PCM clips on a timeline and plays them through the
// attached sink in order. Each clip starts at max(now, end of previous clip).
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	now  func() time.Time
	lead time.Duration

	mu        sync.Mutex
	sink      audio.Sink
	rate      int
	next      time.Time // end of the last scheduled clip
	queue     []Clip
	cancelCur context.CancelFunc // cancels the clip currently being written
	closed    bool

	notify chan struct{} // signalled when a clip is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	wg     sync.WaitGroup
}

// New creates a [Scheduler] and starts its dispatch goroutine. No sink is
// attached; clips enqueued before [Scheduler.Attach] are dropped.
//
// Call [Scheduler.Close] to stop the background goroutine.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		now:    time.Now,
		lead:   DefaultLead,
		rate:   audio.DefaultPlaybackRate,
		queue:  make([]Clip, 0, defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Attach sets the sink clips are played through.
func (s *Scheduler) Attach(sink audio.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Detach flushes all pending audio and removes the sink. The sink itself is
// not closed; that stays with whoever opened it.
func (s *Scheduler) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	s.sink = nil
}

// Rate returns the PCM rate currently assumed for inbound clips.
func (s *Scheduler) Rate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// SetRate changes the PCM rate of subsequent clips and moves the timeline to
// shortly after now, discarding drift accumulated by an earlier stream.
// Non-positive rates are ignored.
func (s *Scheduler) SetRate(rate int) {
	if rate <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
	s.next = s.now().Add(s.lead)
}

// Enqueue schedules one inbound binary message: an optional 44-byte RIFF
// header followed by little-endian int16 mono PCM at the current rate. ok is
// false when nothing was scheduled (no sink attached, empty payload, or the
// scheduler is closed).
func (s *Scheduler) Enqueue(pcm []byte) (clip Clip, ok bool) {
	body := audio.StripWAVHeader(pcm)
	if len(body) < 2 {
		return Clip{}, false
	}
	return s.EnqueueSamples(audio.PCM16ToFloat(body), 0)
}

// EnqueueSamples schedules float samples recorded at rate. A rate of zero
// uses the current inbound rate.
func (s *Scheduler) EnqueueSamples(samples []float32, rate int) (clip Clip, ok bool) {
	if len(samples) == 0 {
		return Clip{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.sink == nil {
		return Clip{}, false
	}
	if rate <= 0 {
		rate = s.rate
	}

	start := s.now()
	if s.next.After(start) {
		start = s.next
	}
	clip = Clip{
		Samples:  samples,
		Rate:     rate,
		Start:    start,
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(rate),
	}
	s.next = clip.End()
	s.queue = append(s.queue, clip)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return clip, true
}

// Flush drops every pending clip, interrupts the one being written, and
// resets the timeline to now.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// Pending returns the number of clips waiting to be played.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops the dispatch goroutine and drops pending clips. Close is
// idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.flushLocked()
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

// flushLocked must be called with s.mu held.
func (s *Scheduler) flushLocked() {
	s.queue = s.queue[:0]
	s.next = time.Time{}
	if s.cancelCur != nil {
		s.cancelCur()
		s.cancelCur = nil
	}
}

// dispatch pulls clips in order, waits for each clip's start time, and writes
// it to the sink. It runs until [Scheduler.Close] is called.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			clip, sink, ctx, ok := s.dequeue()
			if !ok {
				break
			}

			if wait := clip.Start.Sub(s.now()); wait > 0 {
				timer.Reset(wait)
				select {
				case <-s.done:
					timer.Stop()
					return
				case <-ctx.Done():
					timer.Stop()
					continue
				case <-timer.C:
				}
			}

			if err := sink.Play(ctx, clip.Samples, clip.Rate); err != nil && ctx.Err() == nil {
				slog.Warn("playback: sink write failed", "rate", clip.Rate, "err", err)
			}
			s.finish(ctx)
		}
	}
}

// dequeue pops the oldest clip and arms a cancel func for it. ok is false when
// the queue is empty or no sink is attached.
func (s *Scheduler) dequeue() (Clip, audio.Sink, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 || s.sink == nil {
		return Clip{}, nil, nil, false
	}
	clip := s.queue[0]
	s.queue = s.queue[1:]

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelCur = cancel
	return clip, s.sink, ctx, true
}

// finish releases the cancel func of a clip that completed on its own.
func (s *Scheduler) finish(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCur != nil && ctx.Err() == nil {
		s.cancelCur()
		s.cancelCur = nil
	}
}
