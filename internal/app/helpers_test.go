package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/hearken/internal/app"
	"github.com/MrWong99/hearken/internal/bridge"
	"github.com/MrWong99/hearken/internal/config"
	"github.com/MrWong99/hearken/internal/observe"
	"github.com/MrWong99/hearken/pkg/audio"
	audiomock "github.com/MrWong99/hearken/pkg/audio/mock"
	"github.com/MrWong99/hearken/pkg/provider/inference"
	"github.com/MrWong99/hearken/pkg/provider/inference/mock"
)

// ── fake bridge ──────────────────────────────────────────────────────────────

type fakeBridge struct {
	inbound chan bridge.Inbound

	mu    sync.Mutex
	ready bool
	wakes []string
	stops    int
	audio    int // bytes
	requests int // status requests
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{inbound: make(chan bridge.Inbound, 16), ready: true}
}

func (b *fakeBridge) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (b *fakeBridge) Inbound() <-chan bridge.Inbound { return b.inbound }

func (b *fakeBridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *fakeBridge) setReady(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = v
}

func (b *fakeBridge) Snapshot() bridge.Snapshot {
	state := bridge.StateReconnecting
	if b.Ready() {
		state = bridge.StateAuthenticated
	}
	return bridge.Snapshot{State: state.String(), URL: "ws://bridge.test"}
}

func (b *fakeBridge) SendWake(_ context.Context, w string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wakes = append(b.wakes, w)
	return nil
}

func (b *fakeBridge) SendStop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func (b *fakeBridge) SendAudio(_ context.Context, pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audio += len(pcm)
	return nil
}

func (b *fakeBridge) RequestStatus(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return bridge.ErrNotConnected
	}
	b.requests++
	return nil
}

func (b *fakeBridge) statusRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

func (b *fakeBridge) send(m bridge.Message) { b.inbound <- bridge.Inbound{Message: m} }

func (b *fakeBridge) wakeWords() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.wakes...)
}

func (b *fakeBridge) stopCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

func (b *fakeBridge) audioBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio
}

// ── model store ──────────────────────────────────────────────────────────────

// modelStore is an inference.Factory backed by mocks. The classifier
// reports prob for every window.
type modelStore struct {
	mu     sync.Mutex
	prob   float32
	models map[string]*mock.Model
	fail   map[string]error
	loads  []string
}

func newModelStore(prob float32) *modelStore {
	return &modelStore{prob: prob, models: make(map[string]*mock.Model), fail: make(map[string]error)}
}

func (s *modelStore) factory(spec inference.Spec) (inference.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, spec.Path)
	if err := s.fail[spec.Path]; err != nil {
		return nil, err
	}
	var v float32 = 0.1
	if spec.Name == inference.ClassifierSpec.Name {
		v = s.prob
	}
	m := mock.Constant(spec.OutputShape, v)
	s.models[spec.Path] = m
	return m, nil
}

func (s *modelStore) model(path string) *mock.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.models[path]
}

func (s *modelStore) failOn(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[path] = err
}

func (s *modelStore) loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loads...)
}

func modelPath(name string) string { return filepath.Join(config.DefaultModelsDir, name) }

// ── fixture ──────────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	cfg := &config.Config{Bridge: config.BridgeConfig{URL: "ws://bridge.test"}}
	config.ApplyDefaults(cfg)
	cfg.WakeWord.ListenTimeout = time.Minute
	off := false
	cfg.Audio.Chime = &off
	return cfg
}

type fixture struct {
	app    *app.App
	bridge *fakeBridge
	store  *modelStore
	device *audiomock.Device
	source *audiomock.Source
	sink   *audiomock.Sink
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T, cfg *config.Config, prob float32, opts ...app.Option) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		bridge: newFakeBridge(),
		store:  newModelStore(prob),
		source: audiomock.NewSource(audio.TargetRate),
		sink:   &audiomock.Sink{},
		reader: reader,
	}
	f.device = &audiomock.Device{SourceResult: f.source, SinkResult: f.sink}

	opts = append([]app.Option{app.WithMetrics(metrics)}, opts...)
	f.app, err = app.New(cfg, f.device, f.store.factory, f.bridge, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.app.Close() })
	return f
}

// run starts the app until the test ends.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	})
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	if err := f.app.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

// emitUntil feeds silent 80 ms frames until cond holds.
func (f *fixture) emitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		f.source.Emit(make([]float32, audio.ChunkSamples))
		time.Sleep(2 * time.Millisecond)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == name {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
