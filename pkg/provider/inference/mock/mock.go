// Package mock provides an in-memory [inference.Model] for unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hearken/pkg/provider/inference"
)

// Compile-time interface assertion.
var _ inference.Model = (*Model)(nil)

// Model is a mock implementation of [inference.Model]. When RunFunc is nil,
// Run returns a zero tensor of OutputShape.
type Model struct {
	mu sync.Mutex

	// OutputShape is the shape of tensors returned when RunFunc is nil.
	OutputShape []int64

	// RunFunc, when set, computes the result of Run.
	RunFunc func(in inference.Tensor) (inference.Tensor, error)

	// RunError is returned by Run when non-nil, before RunFunc is consulted.
	RunError error

	// Inputs records a copy of every tensor passed to Run.
	Inputs []inference.Tensor

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Constant returns a Model whose every output element is v.
func Constant(shape []int64, v float32) *Model {
	return &Model{
		OutputShape: shape,
		RunFunc: func(inference.Tensor) (inference.Tensor, error) {
			data := make([]float32, inference.Elements(shape))
			for i := range data {
				data[i] = v
			}
			return inference.Tensor{Shape: shape, Data: data}, nil
		},
	}
}

// Run implements [inference.Model].
func (m *Model) Run(_ context.Context, in inference.Tensor) (inference.Tensor, error) {
	m.mu.Lock()
	cp := inference.Tensor{
		Name:  in.Name,
		Shape: append([]int64(nil), in.Shape...),
		Data:  append([]float32(nil), in.Data...),
	}
	m.Inputs = append(m.Inputs, cp)
	fn, err, shape := m.RunFunc, m.RunError, m.OutputShape
	m.mu.Unlock()

	if err != nil {
		return inference.Tensor{}, err
	}
	if fn != nil {
		return fn(in)
	}
	return inference.Tensor{Shape: shape, Data: make([]float32, inference.Elements(shape))}, nil
}

// Calls returns the number of Run invocations so far.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Inputs)
}

// LastInput returns the most recent Run input, or a zero tensor.
func (m *Model) LastInput() inference.Tensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Inputs) == 0 {
		return inference.Tensor{}
	}
	return m.Inputs[len(m.Inputs)-1]
}

// SetRunFunc replaces RunFunc under the mock's lock.
func (m *Model) SetRunFunc(fn func(in inference.Tensor) (inference.Tensor, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunFunc = fn
}

// Close implements [inference.Model].
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	return nil
}
