package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/hearken/pkg/audio"
	"github.com/MrWong99/hearken/pkg/provider/inference"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// InferenceBackend builds the model loader for a wake word configuration.
type InferenceBackend func(WakeWordConfig) (inference.Factory, error)

// AudioBackend opens the host audio system for an audio configuration.
type AudioBackend func(AudioConfig) (audio.Device, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	inference map[string]InferenceBackend
	audio     map[string]AudioBackend
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inference: make(map[string]InferenceBackend),
		audio:     make(map[string]AudioBackend),
	}
}

// RegisterInference registers a model runtime under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInference(name string, backend InferenceBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inference[name] = backend
}

// RegisterAudio registers an audio device factory under name.
func (r *Registry) RegisterAudio(name string, backend AudioBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = backend
}

// CreateInference returns the model loader registered under cfg.Backend.
// Returns [ErrBackendNotRegistered] if no backend has been registered for
// that name.
func (r *Registry) CreateInference(cfg WakeWordConfig) (inference.Factory, error) {
	r.mu.RLock()
	backend, ok := r.inference[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wakeword/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return backend(cfg)
}

// CreateAudio opens the audio device registered under cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	backend, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return backend(cfg)
}
