package wakeword_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/hearken/internal/wakeword"
	"github.com/MrWong99/hearken/pkg/audio"
	"github.com/MrWong99/hearken/pkg/provider/inference"
)

func TestWindower_FirstWindowAfterSixteenChunks(t *testing.T) {
	m := newModels(0, 0, 0)
	w := m.windower(&fakeGate{})

	feed(t, w, 15) // 75 frames, one short of a window
	if got := m.embedding.Calls(); got != 0 {
		t.Fatalf("embedding calls after 15 chunks = %d, want 0", got)
	}
	if frames, _ := w.Snapshot(); frames != 75 {
		t.Fatalf("frames = %d, want 75", frames)
	}

	feed(t, w, 1) // 80 frames: one window, then stride to 72
	if got := m.embedding.Calls(); got != 1 {
		t.Fatalf("embedding calls after 16 chunks = %d, want 1", got)
	}
	if got := m.classifier.Calls(); got != 1 {
		t.Fatalf("classifier calls after 16 chunks = %d, want 1", got)
	}
	if frames, _ := w.Snapshot(); frames != 72 {
		t.Errorf("frames after stride = %d, want 72", frames)
	}
}

func TestWindower_OneClassifierCallPerStride(t *testing.T) {
	m := newModels(0, 0, 0)
	w := m.windower(&fakeGate{})

	const chunks = 200
	feed(t, w, chunks)

	// Each window consumes Stride frames; the buffer never holds a full window
	// after Process returns.
	frames, _ := w.Snapshot()
	if frames >= wakeword.WindowFrames {
		t.Fatalf("frames = %d, a full window was left unprocessed", frames)
	}
	added := chunks * wakeword.FramesPerChunk
	if (added-frames)%wakeword.Stride != 0 {
		t.Fatalf("consumed %d frames, not a multiple of the stride", added-frames)
	}
	want := (added - frames) / wakeword.Stride
	if got := m.embedding.Calls(); got != want {
		t.Errorf("embedding calls = %d, want %d", got, want)
	}
	if got := m.classifier.Calls(); got != want {
		t.Errorf("classifier calls = %d, want %d", got, want)
	}
	if got := m.features.Calls(); got != chunks {
		t.Errorf("feature calls = %d, want %d", got, chunks)
	}
}

func TestWindower_ClassifierSuppressedWhileListening(t *testing.T) {
	m := newModels(0, 0, 0.9)
	g := &fakeGate{listening: true}
	w := m.windower(g)

	feed(t, w, 40)
	if m.embedding.Calls() == 0 {
		t.Fatal("embedding must keep running while listening")
	}
	if got := m.classifier.Calls(); got != 0 {
		t.Errorf("classifier calls while listening = %d, want 0", got)
	}
	if got := g.count(); got != 0 {
		t.Errorf("detections while listening = %d, want 0", got)
	}

	g.setListening(false)
	feed(t, w, 2)
	if m.classifier.Calls() == 0 {
		t.Error("classifier did not resume after listening ended")
	}
}

func TestWindower_ScalesAndNormalises(t *testing.T) {
	m := newModels(10, 0, 0)
	w := m.windower(&fakeGate{})

	c := chunk()
	c[0], c[1] = 1, -0.5
	if err := w.Process(context.Background(), c); err != nil {
		t.Fatalf("Process: %v", err)
	}
	in := m.features.LastInput()
	if in.Data[0] != 32767 || in.Data[1] != -0.5*32767 {
		t.Errorf("feature input = %v, %v, want int16-scaled samples", in.Data[0], in.Data[1])
	}
	if len(in.Data) != audio.ChunkSamples {
		t.Errorf("feature input length = %d, want %d", len(in.Data), audio.ChunkSamples)
	}

	feed(t, w, 15)
	emb := m.embedding.LastInput()
	if got := len(emb.Data); got != wakeword.WindowFrames*wakeword.Bins {
		t.Fatalf("embedding input length = %d, want %d", got, wakeword.WindowFrames*wakeword.Bins)
	}
	for i, v := range emb.Data {
		if v != 3 { // 10/10 + 2
			t.Fatalf("embedding input[%d] = %v, want 3", i, v)
		}
	}
}

func TestWindower_RingEvictsOldest(t *testing.T) {
	m := newModels(0, 0, 0)
	var n float32
	m.embedding.SetRunFunc(func(inference.Tensor) (inference.Tensor, error) {
		n++
		data := make([]float32, wakeword.EmbeddingDim)
		for i := range data {
			data[i] = n
		}
		return inference.Tensor{Shape: inference.EmbeddingSpec.OutputShape, Data: data}, nil
	})
	w := m.windower(&fakeGate{})

	feed(t, w, 16)
	_, ring := w.Snapshot()
	for i := range wakeword.RingSize - 1 {
		if ring[i][0] != 0 {
			t.Fatalf("ring[%d] = %v, want zero before it is filled", i, ring[i][0])
		}
	}
	if ring[wakeword.RingSize-1][0] != 1 {
		t.Fatalf("newest embedding = %v, want 1", ring[wakeword.RingSize-1][0])
	}

	feed(t, w, 200)
	_, ring = w.Snapshot()
	for i := 1; i < wakeword.RingSize; i++ {
		if ring[i][0] != ring[i-1][0]+1 {
			t.Fatalf("ring not ordered oldest first: ring[%d]=%v ring[%d]=%v", i-1, ring[i-1][0], i, ring[i][0])
		}
	}
	if ring[wakeword.RingSize-1][0] != n {
		t.Errorf("newest embedding = %v, want %v", ring[wakeword.RingSize-1][0], n)
	}

	// The classifier sees the flattened ring, oldest first.
	in := m.classifier.LastInput()
	if got := len(in.Data); got != wakeword.RingSize*wakeword.EmbeddingDim {
		t.Fatalf("classifier input length = %d", got)
	}
	if in.Data[0] != n-wakeword.RingSize+1 {
		t.Errorf("classifier input starts at %v, want %v", in.Data[0], n-wakeword.RingSize+1)
	}
}

func TestWindower_ThresholdIsStrict(t *testing.T) {
	tests := []struct {
		name string
		p    float32
		want int
	}{
		{name: "below", p: 0.49, want: 0},
		{name: "equal", p: 0.5, want: 0},
		{name: "above", p: 0.51, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModels(0, 0, tt.p)
			g := &fakeGate{}
			w := m.windower(g)
			feed(t, w, 16)
			if got := g.count(); got != tt.want {
				t.Errorf("detections = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWindower_SetThreshold(t *testing.T) {
	w := newModels(0, 0, 0).windower(nil)
	if got := w.Threshold(); got != wakeword.DefaultThreshold {
		t.Fatalf("default threshold = %v, want %v", got, wakeword.DefaultThreshold)
	}
	w.SetThreshold(0.8)
	if got := w.Threshold(); got != 0.8 {
		t.Errorf("threshold = %v, want 0.8", got)
	}
	for _, bad := range []float64{0, 1, -0.2, 1.5} {
		w.SetThreshold(bad)
		if got := w.Threshold(); got != 0.8 {
			t.Errorf("SetThreshold(%v) changed threshold to %v", bad, got)
		}
	}
}

func TestWindower_ResetClearsState(t *testing.T) {
	m := newModels(0, 1, 0)
	w := m.windower(&fakeGate{})
	feed(t, w, 30)

	w.Reset()
	frames, ring := w.Snapshot()
	if frames != 0 {
		t.Errorf("frames after reset = %d, want 0", frames)
	}
	for i := range ring {
		for j := range ring[i] {
			if ring[i][j] != 0 {
				t.Fatalf("ring[%d][%d] = %v after reset, want 0", i, j, ring[i][j])
			}
		}
	}

	// A fresh window needs 76 frames again.
	calls := m.embedding.Calls()
	feed(t, w, 15)
	if got := m.embedding.Calls(); got != calls {
		t.Errorf("embedding ran %d times before a full window accumulated", got-calls)
	}
}

func TestWindower_EmbeddingErrorStillStrides(t *testing.T) {
	m := newModels(0, 0, 0)
	boom := errors.New("boom")
	m.embedding.RunError = boom
	w := m.windower(&fakeGate{})

	feed(t, w, 15)
	err := w.Process(context.Background(), chunk())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	var me *wakeword.ModelError
	if !errors.As(err, &me) || me.Model != inference.EmbeddingSpec.Name {
		t.Errorf("err = %v, want ModelError for %q", err, inference.EmbeddingSpec.Name)
	}
	if frames, _ := w.Snapshot(); frames != 72 {
		t.Errorf("frames after failed window = %d, want 72", frames)
	}
	if got := m.classifier.Calls(); got != 0 {
		t.Errorf("classifier calls = %d, want 0", got)
	}
}

func TestWindower_FeatureErrorLeavesBuffers(t *testing.T) {
	m := newModels(0, 0, 0)
	w := m.windower(&fakeGate{})
	feed(t, w, 3)

	m.features.RunError = errors.New("bad input")
	if err := w.Process(context.Background(), chunk()); err == nil {
		t.Fatal("expected error")
	}
	if frames, _ := w.Snapshot(); frames != 15 {
		t.Errorf("frames = %d, want 15", frames)
	}
}

func TestWindower_RejectsShortChunk(t *testing.T) {
	m := newModels(0, 0, 0)
	w := m.windower(nil)
	if err := w.Process(context.Background(), make([]float32, 100)); err == nil {
		t.Fatal("expected error for short chunk")
	}
	if got := m.features.Calls(); got != 0 {
		t.Errorf("feature calls = %d, want 0", got)
	}
}

func TestWindower_WrongFeatureShape(t *testing.T) {
	m := newModels(0, 0, 0)
	m.features.SetRunFunc(func(inference.Tensor) (inference.Tensor, error) {
		return inference.Tensor{Data: make([]float32, 10)}, nil
	})
	w := m.windower(nil)
	err := w.Process(context.Background(), chunk())
	if !errors.Is(err, inference.ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestWindower_SetClassifier(t *testing.T) {
	m := newModels(0, 0, 0)
	g := &fakeGate{}
	w := m.windower(g)
	feed(t, w, 16)

	hot := newModels(0, 0, 0.99).classifier
	prev := w.SetClassifier(hot)
	if prev != m.classifier {
		t.Error("SetClassifier did not return the previous model")
	}
	feed(t, w, 2)
	if hot.Calls() == 0 {
		t.Fatal("new classifier was not used")
	}
	if g.count() == 0 {
		t.Error("no detection from the swapped classifier")
	}
	if frames, _ := w.Snapshot(); frames == 0 {
		t.Error("buffers were cleared by the swap")
	}
}

func TestWindower_CloseClosesModels(t *testing.T) {
	m := newModels(0, 0, 0)
	w := m.windower(nil)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for name, mm := range map[string]int{
		"features":   m.features.CallCountClose,
		"embedding":  m.embedding.CallCountClose,
		"classifier": m.classifier.CallCountClose,
	} {
		if mm != 1 {
			t.Errorf("%s closed %d times, want 1", name, mm)
		}
	}
}
