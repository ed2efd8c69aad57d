// Package wakeword turns a stream of 16 kHz audio chunks into wake-word
// detections.
//
// Three models are chained per analysis window. The feature model maps one
// 1280-sample chunk to 5 spectral frames of 32 bins. The embedding model maps
// 76 consecutive spectral frames to a 96-value embedding. The classifier maps
// the last 16 embeddings to a probability. [Windower] owns the buffers that
// connect them, [Pipeline] runs it off the capture path with at most one chunk
// in flight, and [Trigger] turns detections into the listening state.
package wakeword

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/hearken/pkg/audio"
	"github.com/MrWong99/hearken/pkg/provider/inference"
)

// Pipeline geometry.
const (
	FramesPerChunk = 5  // spectral frames produced per chunk
	Bins           = 32 // values per spectral frame
	WindowFrames   = 76 // spectral frames per embedding window
	Stride         = 8  // spectral frames discarded after each window
	EmbeddingDim   = 96 // values per embedding
	RingSize       = 16 // embeddings fed to the classifier

	// DefaultThreshold is the probability a window must exceed to count as
	// a detection.
	DefaultThreshold = 0.5
)

// Detection is one classifier result above threshold.
type Detection struct {
	Probability float64
	// Window is the sequence number of the embedding window, counted from
	// the last reset.
	Window uint64
}

// Gate connects the windower to the session state. Listening suppresses the
// classifier; Detect is called for every window above threshold while not
// listening.
type Gate interface {
	Listening() bool
	Detect(ctx context.Context, d Detection)
}

// ModelError wraps a failure of one of the three models.
type ModelError struct {
	Model string
	Err   error
}

func (e *ModelError) Error() string { return fmt.Sprintf("wakeword: %s model: %v", e.Model, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// Windower accumulates spectral frames and embeddings and invokes the models
// at the fixed stride. All methods are safe for concurrent use; Process calls
// are serialised.
type Windower struct {
	features  inference.Model
	embedding inference.Model
	gate      Gate

	mu         sync.Mutex
	classifier inference.Model
	threshold  float64
	spectral   []float32 // flattened frames, Bins values each
	ring       [RingSize][EmbeddingDim]float32
	window     uint64
}

// NewWindower creates a Windower. The classifier may be swapped later with
// [Windower.SetClassifier].
func NewWindower(features, embedding, classifier inference.Model, gate Gate) *Windower {
	return &Windower{
		features:   features,
		embedding:  embedding,
		classifier: classifier,
		gate:       gate,
		threshold:  DefaultThreshold,
		spectral:   make([]float32, 0, (WindowFrames+FramesPerChunk)*Bins),
	}
}

// SetThreshold changes the detection threshold. Values outside (0, 1) are
// ignored.
func (w *Windower) SetThreshold(th float64) {
	if th <= 0 || th >= 1 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.threshold = th
}

// Threshold returns the current detection threshold.
func (w *Windower) Threshold() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.threshold
}

// SetClassifier replaces the classifier and returns the previous one so the
// caller can close it. Buffers are kept.
func (w *Windower) SetClassifier(m inference.Model) inference.Model {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.classifier
	w.classifier = m
	return prev
}

// Process consumes one chunk of [audio.ChunkSamples] samples in [-1, 1].
// Model errors are returned wrapped in [*ModelError]; buffers stay
// consistent and the next call proceeds normally.
func (w *Windower) Process(ctx context.Context, chunk []float32) error {
	if len(chunk) != audio.ChunkSamples {
		return fmt.Errorf("wakeword: chunk has %d samples, want %d", len(chunk), audio.ChunkSamples)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// The feature model expects int16-scaled input.
	in := make([]float32, len(chunk))
	for i, s := range chunk {
		in[i] = s * 32767
	}
	feat, err := w.features.Run(ctx, inference.Tensor{Shape: inference.FeatureSpec.InputShape, Data: in})
	if err != nil {
		return &ModelError{Model: inference.FeatureSpec.Name, Err: err}
	}
	if len(feat.Data) != FramesPerChunk*Bins {
		return &ModelError{Model: inference.FeatureSpec.Name, Err: fmt.Errorf("%w: %d values, want %d", inference.ErrShapeMismatch, len(feat.Data), FramesPerChunk*Bins)}
	}
	for _, v := range feat.Data {
		w.spectral = append(w.spectral, v/10+2)
	}

	var errs []error
	for len(w.spectral) >= WindowFrames*Bins {
		if err := w.runWindowLocked(ctx); err != nil {
			errs = append(errs, err)
		}
		// Stride is applied whether or not the models succeeded so the
		// buffer never lags behind the audio.
		w.spectral = append(w.spectral[:0], w.spectral[Stride*Bins:]...)
	}
	return errors.Join(errs...)
}

// runWindowLocked embeds the oldest 76 frames and, unless listening, runs the
// classifier. Must be called with w.mu held.
func (w *Windower) runWindowLocked(ctx context.Context) error {
	window := make([]float32, WindowFrames*Bins)
	copy(window, w.spectral[:WindowFrames*Bins])

	emb, err := w.embedding.Run(ctx, inference.Tensor{Shape: inference.EmbeddingSpec.InputShape, Data: window})
	if err != nil {
		return &ModelError{Model: inference.EmbeddingSpec.Name, Err: err}
	}
	if len(emb.Data) != EmbeddingDim {
		return &ModelError{Model: inference.EmbeddingSpec.Name, Err: fmt.Errorf("%w: %d values, want %d", inference.ErrShapeMismatch, len(emb.Data), EmbeddingDim)}
	}

	copy(w.ring[:], w.ring[1:])
	copy(w.ring[RingSize-1][:], emb.Data)
	w.window++

	if w.gate != nil && w.gate.Listening() {
		return nil
	}

	flat := make([]float32, 0, RingSize*EmbeddingDim)
	for i := range w.ring {
		flat = append(flat, w.ring[i][:]...)
	}
	out, err := w.classifier.Run(ctx, inference.Tensor{Shape: inference.ClassifierSpec.InputShape, Data: flat})
	if err != nil {
		return &ModelError{Model: inference.ClassifierSpec.Name, Err: err}
	}
	if len(out.Data) == 0 {
		return &ModelError{Model: inference.ClassifierSpec.Name, Err: inference.ErrShapeMismatch}
	}

	p := float64(out.Data[0])
	if p > w.threshold && w.gate != nil {
		w.gate.Detect(ctx, Detection{Probability: p, Window: w.window})
	}
	return nil
}

// Reset empties the spectral buffer and re-zeroes every embedding.
func (w *Windower) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.spectral = w.spectral[:0]
	w.ring = [RingSize][EmbeddingDim]float32{}
	w.window = 0
}

// Snapshot reports the number of buffered spectral frames and a copy of the
// embedding ring, oldest first.
func (w *Windower) Snapshot() (frames int, ring [RingSize][EmbeddingDim]float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.spectral) / Bins, w.ring
}

// Close closes all three models.
func (w *Windower) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, m := range []inference.Model{w.features, w.embedding, w.classifier} {
		if m == nil {
			continue
		}
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
