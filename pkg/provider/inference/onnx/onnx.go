// Package onnx runs [inference.Model] files with ONNX Runtime through
// github.com/yalue/onnxruntime_go.
//
// The runtime environment is process-wide: call [Init] once with the path of
// the onnxruntime shared library before loading models and [Shutdown] after
// every model has been closed.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/hearken/pkg/provider/inference"
)

// Compile-time interface assertion.
var _ inference.Model = (*Model)(nil)

var (
	envMu   sync.Mutex
	envRefs int
)

// Init loads the ONNX Runtime shared library and initialises the
// environment. Calls are reference counted; each must be paired with
// [Shutdown].
func Init(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx: initialize runtime %q: %w", libraryPath, err)
		}
	}
	envRefs++
	return nil
}

// Shutdown releases one [Init] reference and destroys the environment when
// the last one is gone.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs > 0 {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("onnx: destroy runtime: %w", err)
	}
	return nil
}

// Model is a loaded ONNX graph with pre-allocated input and output tensors.
// Run calls are serialised because the tensors are reused.
type Model struct {
	spec    inference.Spec
	inName  string
	outName string

	mu      sync.Mutex
	session *ort.AdvancedSession
	in      *ort.Tensor[float32]
	out     *ort.Tensor[float32]
	closed  bool
}

// Load opens the model at spec.Path. Input and output names are read from the
// graph; shapes come from spec.
func Load(spec inference.Spec) (*Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("onnx: inspect %s model %q: %w", spec.Name, spec.Path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: %s model %q has no inputs or outputs", spec.Name, spec.Path)
	}

	in, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("onnx: allocate %s input: %w", spec.Name, err)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.OutputShape...))
	if err != nil {
		_ = in.Destroy()
		return nil, fmt.Errorf("onnx: allocate %s output: %w", spec.Name, err)
	}

	session, err := ort.NewAdvancedSession(
		spec.Path,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{in}, []ort.Value{out},
		nil,
	)
	if err != nil {
		_ = in.Destroy()
		_ = out.Destroy()
		return nil, fmt.Errorf("onnx: load %s model %q: %w", spec.Name, spec.Path, err)
	}

	return &Model{
		spec:    spec,
		inName:  inputs[0].Name,
		outName: outputs[0].Name,
		session: session,
		in:      in,
		out:     out,
	}, nil
}

// Factory adapts [Load] to [inference.Factory].
func Factory(spec inference.Spec) (inference.Model, error) {
	return Load(spec)
}

// Run implements [inference.Model].
func (m *Model) Run(ctx context.Context, in inference.Tensor) (inference.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return inference.Tensor{}, err
	}
	if err := in.Validate(m.spec.InputShape); err != nil {
		return inference.Tensor{}, fmt.Errorf("onnx: %s: %w", m.spec.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return inference.Tensor{}, fmt.Errorf("onnx: %s model is closed", m.spec.Name)
	}

	copy(m.in.GetData(), in.Data)
	if err := m.session.Run(); err != nil {
		return inference.Tensor{}, fmt.Errorf("onnx: run %s: %w", m.spec.Name, err)
	}

	src := m.out.GetData()
	data := make([]float32, len(src))
	copy(data, src)
	return inference.Tensor{
		Name:  m.outName,
		Shape: append([]int64(nil), m.spec.OutputShape...),
		Data:  data,
	}, nil
}

// Close implements [inference.Model].
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for _, destroy := range []func() error{m.session.Destroy, m.in.Destroy, m.out.Destroy} {
		if err := destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("onnx: close %s: %w", m.spec.Name, err)
	}
	return nil
}
