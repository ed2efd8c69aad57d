package wakeword

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hearken/internal/observe"
)

// DefaultListenTimeout bounds how long the satellite stays in the listening
// state without the bridge ending the interaction.
const DefaultListenTimeout = 8 * time.Second

// Notifier delivers wake and stop messages to the bridge.
type Notifier interface {
	SendWake(ctx context.Context, wakeWord string) error
	SendStop(ctx context.Context) error
}

// Resetter clears detection buffers.
type Resetter interface {
	Reset()
}

// Stopper is a cancellable timer.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. It matches [time.AfterFunc].
type AfterFunc func(d time.Duration, f func()) Stopper

// EndReason explains why a listening run ended.
type EndReason string

const (
	EndRemote   EndReason = "remote"   // the bridge reported the interaction over
	EndTimeout  EndReason = "timeout"  // nothing ended the run in time
	EndStop     EndReason = "stop"     // an explicit local stop
	EndCanceled EndReason = "canceled" // the session was deactivated
)

// Transition describes one change of the listening state.
type Transition struct {
	Listening bool
	// RunID identifies the listening run the transition starts or ends.
	RunID string
	// Trigger is "detection" or "external" when entering.
	Trigger string
	// WakeWord is the word announced for the run, set when entering.
	WakeWord string
	// Reason is set when leaving.
	Reason EndReason
}

// TriggerOption configures a [Trigger].
type TriggerOption func(*Trigger)

// WithTimeout sets the listening timeout. The default is
// [DefaultListenTimeout].
func WithTimeout(d time.Duration) TriggerOption {
	return func(t *Trigger) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithAfterFunc replaces [time.AfterFunc] for tests.
func WithAfterFunc(f AfterFunc) TriggerOption {
	return func(t *Trigger) {
		if f != nil {
			t.afterFunc = f
		}
	}
}

// WithChime sets the function that plays the confirmation tone.
func WithChime(f func()) TriggerOption {
	return func(t *Trigger) { t.chime = f }
}

// WithResetter sets the buffers cleared on timeout.
func WithResetter(r Resetter) TriggerOption {
	return func(t *Trigger) { t.resetter = r }
}

// WithTransitionHook registers f to observe state changes. It runs outside
// the trigger's lock and must not block.
func WithTransitionHook(f func(Transition)) TriggerOption {
	return func(t *Trigger) { t.onTransition = f }
}

// WithTriggerMetrics sets the metrics sink. The default is
// [observe.DefaultMetrics].
func WithTriggerMetrics(m *observe.Metrics) TriggerOption {
	return func(t *Trigger) {
		if m != nil {
			t.metrics = m
		}
	}
}

// Trigger is the listening state machine. It implements [Gate].
//
//	NotListening --detection / external wake--> Listening
//	Listening --remote end / timeout / stop--> NotListening
//
// All methods are safe for concurrent use.
type Trigger struct {
	notifier     Notifier
	timeout      time.Duration
	afterFunc    AfterFunc
	chime        func()
	resetter     Resetter
	onTransition func(Transition)
	metrics      *observe.Metrics

	mu        sync.Mutex
	wakeWord  string
	listening bool
	leaving   bool
	runID     string
	gen       uint64
	timer     Stopper
}

// NewTrigger creates a Trigger announcing wakeWord through n.
func NewTrigger(n Notifier, wakeWord string, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		notifier: n,
		wakeWord: wakeWord,
		timeout:  DefaultListenTimeout,
		afterFunc: func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Listening implements [Gate].
func (t *Trigger) Listening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listening
}

// Forwarding reports whether captured audio should still go to the bridge:
// listening and not on the way out of the run.
func (t *Trigger) Forwarding() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listening && !t.leaving
}

// RunID returns the id of the current listening run, or "".
func (t *Trigger) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runID
}

// WakeWord returns the announced wake word.
func (t *Trigger) WakeWord() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wakeWord
}

// SetWakeWord changes the wake word sent with future wake messages.
func (t *Trigger) SetWakeWord(w string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wakeWord = w
}

// Detect implements [Gate]. A detection while already listening is ignored.
func (t *Trigger) Detect(ctx context.Context, d Detection) {
	if t.enter(ctx, "detection") {
		t.metrics.RecordDetection(ctx, t.WakeWord())
		slog.Info("wakeword: detected", "probability", d.Probability, "window", d.Window)
	}
}

// Wake enters the listening state on an external signal, as if the wake word
// had been heard. It reports whether a new run started.
func (t *Trigger) Wake(ctx context.Context) bool {
	return t.enter(ctx, "external")
}

func (t *Trigger) enter(ctx context.Context, trigger string) bool {
	t.mu.Lock()
	if t.listening {
		t.mu.Unlock()
		return false
	}
	t.listening = true
	t.gen++
	gen := t.gen
	t.runID = uuid.NewString()
	runID, word := t.runID, t.wakeWord
	t.timer = t.afterFunc(t.timeout, func() { t.expire(gen) })
	t.mu.Unlock()

	t.metrics.RecordListening(ctx, trigger)
	slog.Info("wakeword: listening", "run", runID, "trigger", trigger, "wake_word", word)

	if t.chime != nil {
		t.chime()
	}
	if t.onTransition != nil {
		t.onTransition(Transition{Listening: true, RunID: runID, Trigger: trigger, WakeWord: word})
	}
	if err := t.notifier.SendWake(ctx, word); err != nil {
		slog.Warn("wakeword: wake message not sent", "run", runID, "err", err)
	}
	return true
}

// End leaves the listening state because the bridge reported the interaction
// finished. Buffers are kept so detection continues without a dead period.
func (t *Trigger) End() bool {
	return t.leave(context.Background(), EndRemote, 0)
}

// Stop leaves the listening state on an explicit local request and tells
// the bridge.
func (t *Trigger) Stop(ctx context.Context) bool {
	return t.leave(ctx, EndStop, 0)
}

// Cancel leaves the listening state silently. Used on deactivation.
func (t *Trigger) Cancel() bool {
	return t.leave(context.Background(), EndCanceled, 0)
}

func (t *Trigger) expire(gen uint64) {
	t.leave(context.Background(), EndTimeout, gen)
}

// leave performs the transition. A non-zero gen only matches the run that
// armed the timer, so a stale timeout cannot end a newer run.
//
// The trigger keeps reporting Listening until the buffers are cleared and
// stop is sent. A window already in flight therefore cannot classify the
// stale embeddings, and no new run can start before the bridge hears stop.
func (t *Trigger) leave(ctx context.Context, reason EndReason, gen uint64) bool {
	t.mu.Lock()
	if !t.listening || t.leaving || (gen != 0 && gen != t.gen) {
		t.mu.Unlock()
		return false
	}
	t.leaving = true
	runID := t.runID
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if reason == EndTimeout && t.resetter != nil {
		t.resetter.Reset()
	}
	if reason == EndTimeout || reason == EndStop {
		if err := t.notifier.SendStop(ctx); err != nil {
			slog.Warn("wakeword: stop message not sent", "run", runID, "err", err)
		}
	}

	t.mu.Lock()
	t.listening = false
	t.leaving = false
	t.runID = ""
	t.mu.Unlock()

	slog.Info("wakeword: listening ended", "run", runID, "reason", string(reason))
	if t.onTransition != nil {
		t.onTransition(Transition{Listening: false, RunID: runID, Reason: reason})
	}
	return true
}
