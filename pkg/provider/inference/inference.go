// Package inference defines the contract for invoking the opaque neural
// models of the wake-word pipeline.
//
// Every model is a pure function from one named float tensor to one named
// float tensor with shapes fixed per model. The three shapes used by the
// pipeline are exported as [Spec] values ([FeatureSpec], [EmbeddingSpec],
// [ClassifierSpec]). Backends live in sub-packages (inference/onnx) and
// tests use inference/mock.
package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrShapeMismatch is returned when a tensor does not match the shape a
// model was loaded with.
var ErrShapeMismatch = errors.New("inference: tensor shape mismatch")

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	// Name is the graph input or output name. Backends may fill it in on
	// outputs; callers may leave it empty on inputs.
	Name string

	// Shape lists the dimension sizes, outermost first.
	Shape []int64

	// Data holds exactly the product of Shape values.
	Data []float32
}

// Elements returns the number of values implied by shape.
func Elements(shape []int64) int {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

// Validate reports whether t's data length agrees with its shape and the
// shape equals want.
func (t Tensor) Validate(want []int64) error {
	if !slices.Equal(t.Shape, want) {
		return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, t.Shape, want)
	}
	if len(t.Data) != Elements(t.Shape) {
		return fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(t.Data), t.Shape)
	}
	return nil
}

// Model is one loaded network.
//
// Implementations must be safe for concurrent use; calls may be serialised
// internally.
type Model interface {
	// Run evaluates the model on in. The returned tensor is owned by the
	// caller.
	Run(ctx context.Context, in Tensor) (Tensor, error)

	// Close releases the model's resources. It is safe to call more than
	// once.
	Close() error
}

// Spec names a model file together with its fixed input and output shapes.
type Spec struct {
	// Name labels the model in logs and metrics (e.g. "features").
	Name string

	// Path is the model file location.
	Path string

	// InputShape and OutputShape are the fixed tensor shapes.
	InputShape  []int64
	OutputShape []int64
}

// WithPath returns a copy of s pointing at path.
func (s Spec) WithPath(path string) Spec {
	s.Path = path
	return s
}

// Pipeline shapes. Audio in is one 80 ms chunk at 16 kHz; the feature model
// emits 5 frames of 32 bins; the embedding model reads 76 frames and emits a
// 96-vector; the classifier reads 16 embeddings and emits one probability.
var (
	FeatureSpec = Spec{
		Name:        "features",
		InputShape:  []int64{1, 1280},
		OutputShape: []int64{1, 1, 5, 32},
	}
	EmbeddingSpec = Spec{
		Name:        "embedding",
		InputShape:  []int64{1, 76, 32, 1},
		OutputShape: []int64{1, 1, 1, 96},
	}
	ClassifierSpec = Spec{
		Name:        "classifier",
		InputShape:  []int64{1, 16, 96},
		OutputShape: []int64{1, 1},
	}
)

// Factory loads a model described by spec.
type Factory func(spec Spec) (Model, error)
