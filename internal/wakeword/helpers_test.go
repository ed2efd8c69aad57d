package wakeword_test

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/hearken/internal/observe"
	"github.com/MrWong99/hearken/internal/wakeword"
	"github.com/MrWong99/hearken/pkg/audio"
	"github.com/MrWong99/hearken/pkg/provider/inference"
	"github.com/MrWong99/hearken/pkg/provider/inference/mock"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterSum returns the summed value of the named Int64 counter across all
// attribute sets.
func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// models bundles the three mock models of one windower.
type models struct {
	features   *mock.Model
	embedding  *mock.Model
	classifier *mock.Model
}

// newModels returns mocks with constant outputs: feature value fv, embedding
// value ev, and classifier probability p.
func newModels(fv, ev, p float32) models {
	return models{
		features:   mock.Constant(inference.FeatureSpec.OutputShape, fv),
		embedding:  mock.Constant(inference.EmbeddingSpec.OutputShape, ev),
		classifier: mock.Constant(inference.ClassifierSpec.OutputShape, p),
	}
}

func (m models) windower(g wakeword.Gate) *wakeword.Windower {
	return wakeword.NewWindower(m.features, m.embedding, m.classifier, g)
}

// chunk returns one silent inference chunk.
func chunk() []float32 { return make([]float32, audio.ChunkSamples) }

// feed processes n chunks and fails the test on error.
func feed(t *testing.T, w *wakeword.Windower, n int) {
	t.Helper()
	for i := range n {
		if err := w.Process(context.Background(), chunk()); err != nil {
			t.Fatalf("Process chunk %d: %v", i, err)
		}
	}
}

// fakeGate is a scripted [wakeword.Gate].
type fakeGate struct {
	mu         sync.Mutex
	listening  bool
	detections []wakeword.Detection
}

func (g *fakeGate) Listening() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listening
}

func (g *fakeGate) Detect(_ context.Context, d wakeword.Detection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detections = append(g.detections, d)
}

func (g *fakeGate) setListening(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listening = v
}

func (g *fakeGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.detections)
}

// fakeNotifier records outbound bridge messages.
type fakeNotifier struct {
	mu    sync.Mutex
	wakes []string
	stops int
	sent  []string // message kinds in send order
}

func (n *fakeNotifier) SendWake(_ context.Context, w string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wakes = append(n.wakes, w)
	n.sent = append(n.sent, "wake")
	return nil
}

func (n *fakeNotifier) SendStop(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stops++
	n.sent = append(n.sent, "stop")
	return nil
}

func (n *fakeNotifier) order() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func (n *fakeNotifier) counts() (wakes, stops int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.wakes), n.stops
}

// fakeTimers hands out manually fired timers.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) wakeword.Stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// fire runs timer i's callback regardless of whether it was stopped, the way
// a real timer can race with Stop.
func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	t := ft.timers[i]
	ft.mu.Unlock()
	t.f()
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.timers) == 0 {
		return nil
	}
	return ft.timers[len(ft.timers)-1]
}

func (ft *fakeTimers) len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}
