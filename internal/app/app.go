// Package app wires the Hearken subsystems into a running satellite.
//
// The App owns the session state (idle, active, listening). New loads the
// wake-word models and builds the detection pipeline, Run drives the inference
// worker, the bridge connection and the control loop, and Close tears
// everything down. Activate and Deactivate open and release the audio devices
// without touching the bridge connection.
//
// For testing, inject fakes through the [Bridge] interface, a mock
// [audio.Device] and a mock [inference.Factory].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hearken/internal/bridge"
	"github.com/MrWong99/hearken/internal/config"
	"github.com/MrWong99/hearken/internal/observe"
	"github.com/MrWong99/hearken/internal/recorder"
	"github.com/MrWong99/hearken/internal/wakeword"
	"github.com/MrWong99/hearken/pkg/audio"
	"github.com/MrWong99/hearken/pkg/audio/playback"
	"github.com/MrWong99/hearken/pkg/provider/inference"
)

var (
	// ErrNotActive is returned by operations that need the microphone while
	// the session is idle.
	ErrNotActive = errors.New("app: session not active")

	// ErrInvalidWakeWord is returned by [App.SetWakeWord] for names that
	// cannot refer to a model file.
	ErrInvalidWakeWord = errors.New("app: invalid wake word")
)

// SessionState is the satellite's audio state.
type SessionState int

const (
	StateIdle      SessionState = iota // devices released
	StateActive                        // capturing and detecting
	StateListening                     // forwarding audio to the bridge
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateListening:
		return "listening"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// MarshalText encodes the state by name in JSON snapshots.
func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Bridge is the part of [bridge.Client] the controller uses.
type Bridge interface {
	Run(ctx context.Context) error
	Inbound() <-chan bridge.Inbound
	Ready() bool
	Snapshot() bridge.Snapshot
	SendWake(ctx context.Context, wakeWord string) error
	SendStop(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte) error
	RequestStatus(ctx context.Context) error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithRecorder records every listening run. A nil recorder disables it.
func WithRecorder(r *recorder.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithTriggerOptions passes extra options to the wake trigger, e.g. a fake
// timer in tests.
func WithTriggerOptions(opts ...wakeword.TriggerOption) Option {
	return func(a *App) { a.triggerOpts = append(a.triggerOpts, opts...) }
}

// WithSchedulerOptions passes extra options to the playback scheduler.
func WithSchedulerOptions(opts ...playback.Option) Option {
	return func(a *App) { a.schedulerOpts = append(a.schedulerOpts, opts...) }
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     config.WakeWordConfig
	device  audio.Device
	models  inference.Factory
	bridge  Bridge
	metrics *observe.Metrics

	recorder      *recorder.Recorder
	triggerOpts   []wakeword.TriggerOption
	schedulerOpts []playback.Option

	windower  *wakeword.Windower
	pipeline  *wakeword.Pipeline
	trigger   *wakeword.Trigger
	scheduler *playback.Scheduler

	chime       atomic.Bool
	captureGaps atomic.Int64
	forward     chan []float32
	runs    observe.RunTracer

	// modelMu serialises classifier swaps.
	modelMu sync.Mutex

	mu         sync.Mutex
	active     bool
	source     audio.Source
	sink       audio.Sink
	stopCap    context.CancelFunc
	capDone    chan struct{}
	captureErr error

	closeOnce sync.Once
}

// New loads the feature, embedding and classifier models through models and
// assembles the detection pipeline. The session starts idle; call
// [App.Activate] to open the microphone.
func New(cfg *config.Config, device audio.Device, models inference.Factory, br Bridge, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg.WakeWord,
		device:  device,
		models:  models,
		bridge:  br,
		forward: make(chan []float32, max(cfg.Audio.ForwardQueue, 1)),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.chime.Store(cfg.Audio.ChimeEnabled())

	var loaded []inference.Model
	load := func(spec inference.Spec) (inference.Model, error) {
		m, err := models(spec)
		if err != nil {
			for _, l := range loaded {
				_ = l.Close()
			}
			return nil, fmt.Errorf("app: load %s model %q: %w", spec.Name, spec.Path, err)
		}
		loaded = append(loaded, m)
		return m, nil
	}
	features, err := load(inference.FeatureSpec.WithPath(a.cfg.FeaturePath()))
	if err != nil {
		return nil, err
	}
	embedding, err := load(inference.EmbeddingSpec.WithPath(a.cfg.EmbeddingPath()))
	if err != nil {
		return nil, err
	}
	classifier, err := load(inference.ClassifierSpec.WithPath(a.cfg.ClassifierPath(a.cfg.Word)))
	if err != nil {
		return nil, err
	}

	a.scheduler = playback.New(append([]playback.Option{playback.WithRate(cfg.Audio.PlaybackRate)}, a.schedulerOpts...)...)

	topts := []wakeword.TriggerOption{
		wakeword.WithTimeout(a.cfg.ListenTimeout),
		wakeword.WithChime(a.playChime),
		wakeword.WithResetter(resetFunc(func() { a.windower.Reset() })),
		wakeword.WithTransitionHook(a.onTransition),
		wakeword.WithTriggerMetrics(a.metrics),
	}
	a.trigger = wakeword.NewTrigger(br, a.cfg.Word, append(topts, a.triggerOpts...)...)

	a.windower = wakeword.NewWindower(features, embedding, classifier, a.trigger)
	a.windower.SetThreshold(a.cfg.Threshold)
	a.pipeline = wakeword.NewPipeline(a.windower, wakeword.WithMetrics(a.metrics))

	slog.Info("app: models loaded",
		"models_dir", a.cfg.ModelsDir,
		"wake_word", a.cfg.Word,
		"threshold", a.windower.Threshold(),
	)
	return a, nil
}

type resetFunc func()

func (f resetFunc) Reset() { f() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the inference worker, the bridge connection and the control loop
// and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pipeline.Run(ctx) })
	g.Go(func() error { return a.bridge.Run(ctx) })
	g.Go(func() error { return a.control(ctx) })

	slog.Info("app running", "wake_word", a.trigger.WakeWord())
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// control forwards captured audio while listening and dispatches inbound
// bridge traffic. It is the only goroutine that sends audio.
func (a *App) control(ctx context.Context) error {
	inbound := a.bridge.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-inbound:
			a.handle(ctx, in)
		case block := <-a.forward:
			a.forwardBlock(ctx, block)
		}
	}
}

func (a *App) forwardBlock(ctx context.Context, block []float32) {
	if !a.trigger.Forwarding() {
		return
	}
	if err := a.bridge.SendAudio(ctx, audio.FloatToPCM16(block)); err != nil {
		slog.Debug("app: audio not forwarded", "err", err)
	}
	if err := a.recorder.Write(block); err != nil {
		slog.Warn("app: debug recording failed", "err", err)
	}
}

// handle applies one inbound message.
func (a *App) handle(ctx context.Context, in bridge.Inbound) {
	if in.Audio != nil {
		a.play(in.Audio)
		return
	}

	switch m := in.Message.(type) {
	case bridge.ConfigAudio:
		a.scheduler.SetRate(m.Rate)
		slog.Info("app: playback rate set", "rate", m.Rate)

	case bridge.VoiceEvent:
		a.handleVoiceEvent(m)

	case bridge.ConfigUpdate:
		if err := a.SetWakeWord(m.WakeWord); err != nil {
			slog.Error("app: wake word update rejected", "wake_word", m.WakeWord, "err", err)
		}

	case bridge.Status:
		if w := m.WakeWord(); w != "" && w != a.trigger.WakeWord() {
			if err := a.SetWakeWord(w); err != nil {
				slog.Error("app: remote wake word rejected", "wake_word", w, "err", err)
			}
		}

	case bridge.AuthFailed:
		slog.Error("app: bridge rejected the token, releasing audio")
		if err := a.Deactivate(); err != nil {
			slog.Warn("app: deactivate", "err", err)
		}

	case bridge.HAStatus:
		slog.Info("app: assistant backend status", "connected", m.Connected)

	case bridge.AuthOK:
		slog.Debug("app: bridge authenticated")
	}
}

func (a *App) handleVoiceEvent(ev bridge.VoiceEvent) {
	log := observe.Logger(a.runs.Context())
	switch ev.Event {
	case bridge.EventSTTStart, bridge.EventVADStart:
		log.Debug("app: listening started", "event", ev.Event)
	case bridge.EventSTTEnd:
		log.Info("app: listening ended", "text", ev.Text)
	case bridge.EventTTSStart:
		log.Info("app: synthesis started", "text", ev.Text)
	case bridge.EventRunEnd:
		log.Debug("app: run ended")
	default:
		log.Debug("app: voice event", "event", ev.Event)
	}
	if ev.Event.EndsListening() {
		a.trigger.End()
	}
}

func (a *App) play(pcm []byte) {
	if !a.Active() {
		slog.Debug("app: dropping audio while idle", "bytes", len(pcm))
		return
	}
	if _, ok := a.scheduler.Enqueue(pcm); ok {
		a.metrics.PlaybackClips.Add(context.Background(), 1)
	}
}

func (a *App) playChime() {
	if !a.chime.Load() {
		return
	}
	rate := a.scheduler.Rate()
	a.scheduler.EnqueueSamples(playback.Chime(rate), rate)
}

// onTransition opens and closes the debug recording of each run.
func (a *App) onTransition(tr wakeword.Transition) {
	if tr.Listening {
		ctx := a.runs.Start(tr.RunID, tr.Trigger, tr.WakeWord)
		if err := a.recorder.Start(tr.RunID); err != nil {
			observe.Logger(ctx).Warn("app: debug recording not started", "err", err)
		}
		return
	}
	log := observe.Logger(a.runs.Context())
	if _, err := a.recorder.Stop(); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
		log.Warn("app: debug recording not saved", "err", err)
	}
	if n := audio.Drain(a.forward); n > 0 {
		log.Debug("app: discarded queued audio", "blocks", n)
	}
	a.runs.End(tr.RunID, string(tr.Reason))
}

// ─── Session ─────────────────────────────────────────────────────────────────

// Activate opens the microphone and speaker and starts feeding the detection
// pipeline. It is a no-op when already active. A speaker that fails to open
// is logged and playback stays disabled; a microphone failure is returned.
func (a *App) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return nil
	}

	src, err := a.device.OpenSource(ctx, audio.TargetRate)
	if err != nil {
		return fmt.Errorf("app: open microphone: %w", err)
	}
	sink, err := a.device.OpenSink(ctx)
	if err != nil {
		slog.Warn("app: speaker unavailable, playback disabled", "err", err)
		sink = nil
	} else {
		a.scheduler.Attach(sink)
	}

	capCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.capture(capCtx, src)
	}()

	a.active = true
	a.source = src
	a.sink = sink
	a.stopCap = cancel
	a.capDone = done
	a.captureErr = nil

	slog.Info("app: session active", "capture_rate", src.SampleRate())
	return nil
}

// gapTolerance absorbs timestamp rounding between consecutive device frames.
const gapTolerance = time.Millisecond

// capture resamples device audio to 16 kHz, offers 1280-sample chunks to the
// inference worker and queues blocks for forwarding while listening.
//
// When the device reports a gap in its timestamps (frames dropped upstream)
// the resampler and chunker restart so no chunk splices audio across the gap.
func (a *App) capture(ctx context.Context, src audio.Source) {
	var (
		resampler audio.Resampler
		chunker   = audio.NewChunker(audio.ChunkSamples)
		frames    = src.Frames()
		next      time.Duration
		started   bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if err := src.Err(); err != nil {
					slog.Error("app: capture stopped", "err", err)
					a.mu.Lock()
					a.captureErr = err
					a.mu.Unlock()
				}
				return
			}
			if started && frame.Timestamp > next+gapTolerance {
				a.captureGaps.Add(1)
				slog.Debug("app: capture gap", "missing", frame.Timestamp-next)
				resampler.Reset()
				chunker.Reset()
			}
			started = true
			next = frame.Timestamp + frame.Duration()

			block := resampler.Push(frame.Samples, frame.SampleRate)
			if len(block) == 0 {
				continue
			}
			if a.trigger.Forwarding() {
				a.enqueueForward(block)
			}
			for _, c := range chunker.Push(block) {
				a.pipeline.Offer(c)
			}
		}
	}
}

// enqueueForward adds block to the forward queue, dropping the oldest block
// when the queue is full.
func (a *App) enqueueForward(block []float32) {
	for range 2 {
		select {
		case a.forward <- block:
			return
		default:
		}
		select {
		case <-a.forward:
		default:
		}
	}
}

// Deactivate releases the microphone and speaker, drops pending playback and
// ends a listening run without notifying the bridge. The bridge connection
// stays up. It is a no-op when idle.
func (a *App) Deactivate() error {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return nil
	}
	src, sink, cancel, done := a.source, a.sink, a.stopCap, a.capDone
	a.active = false
	a.source, a.sink, a.stopCap, a.capDone = nil, nil, nil, nil
	a.mu.Unlock()

	cancel()
	errs := []error{src.Close()}
	<-done

	a.scheduler.Detach()
	if sink != nil {
		errs = append(errs, sink.Close())
	}
	a.trigger.Cancel()
	audio.Drain(a.forward)

	slog.Info("app: session idle")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: release audio: %w", err)
	}
	return nil
}

// Active reports whether the microphone is open.
func (a *App) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// State returns the current session state.
func (a *App) State() SessionState {
	if !a.Active() {
		return StateIdle
	}
	if a.trigger.Listening() {
		return StateListening
	}
	return StateActive
}

// Wake starts a listening run as if the wake word had been heard. It reports
// whether a new run started.
func (a *App) Wake(ctx context.Context) (bool, error) {
	if !a.Active() {
		return false, ErrNotActive
	}
	return a.trigger.Wake(ctx), nil
}

// Stop ends the current listening run and tells the bridge. It reports
// whether a run was in progress.
func (a *App) Stop(ctx context.Context) bool {
	return a.trigger.Stop(ctx)
}

// ─── Runtime configuration ───────────────────────────────────────────────────

// SetWakeWord loads the classifier for word from the models directory and
// swaps it in. The previous classifier stays in place when loading fails.
func (a *App) SetWakeWord(word string) error {
	if !config.ValidWakeWord(word) {
		return fmt.Errorf("%w: %q", ErrInvalidWakeWord, word)
	}
	a.modelMu.Lock()
	defer a.modelMu.Unlock()
	if word == a.trigger.WakeWord() {
		return nil
	}

	spec := inference.ClassifierSpec.WithPath(a.cfg.ClassifierPath(word))
	m, err := a.models(spec)
	if err != nil {
		return fmt.Errorf("app: load classifier %q: %w", spec.Path, err)
	}
	if prev := a.windower.SetClassifier(m); prev != nil {
		if err := prev.Close(); err != nil {
			slog.Warn("app: closing previous classifier", "err", err)
		}
	}
	a.trigger.SetWakeWord(word)
	slog.Info("app: wake word changed", "wake_word", word)
	return nil
}

// ApplyConfig applies the hot-reloadable part of a config change.
func (a *App) ApplyConfig(d config.ConfigDiff) error {
	if d.ThresholdChanged {
		a.windower.SetThreshold(d.NewThreshold)
		slog.Info("app: threshold changed", "threshold", a.windower.Threshold())
	}
	if d.ChimeChanged {
		a.chime.Store(d.NewChime)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
	if d.WakeWordChanged {
		return a.SetWakeWord(d.NewWakeWord)
	}
	return nil
}

// ─── Close ───────────────────────────────────────────────────────────────────

// Close deactivates the session and releases the scheduler and the models.
// It is safe to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		slog.Info("app: shutting down")
		err = errors.Join(
			a.Deactivate(),
			a.scheduler.Close(),
			a.windower.Close(),
		)
		if _, rerr := a.recorder.Stop(); rerr != nil && !errors.Is(rerr, recorder.ErrNotRecording) {
			err = errors.Join(err, rerr)
		}
	})
	return err
}
