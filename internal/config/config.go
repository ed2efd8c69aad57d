// Package config provides the configuration schema, loader, file watcher and
// backend registry for the Hearken voice satellite.
package config

import (
	"path/filepath"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8088"
	DefaultAudioBackend   = "portaudio"
	DefaultModelBackend   = "onnx"
	DefaultWakeWord       = "hey_jarvis"
	DefaultModelsDir      = "models"
	DefaultFeatureModel   = "melspectrogram.onnx"
	DefaultEmbeddingModel = "embedding_model.onnx"
	DefaultThreshold      = 0.5
	DefaultListenTimeout  = 8 * time.Second
	DefaultPingInterval   = 20 * time.Second
	DefaultPongTimeout    = 5 * time.Second
	DefaultOfflinePoll    = 5 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultPlaybackRate   = 22050
	DefaultForwardQueue   = 32
	DefaultInboundQueue   = 256
)

// Config is the root configuration structure for Hearken.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Audio    AudioConfig    `yaml:"audio"`
	WakeWord WakeWordConfig `yaml:"wakeword"`
	Debug    DebugConfig    `yaml:"debug"`
}

// ServerConfig holds the health/control HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health, metrics and control
	// endpoints (e.g., ":8088"). Set to "-" to disable the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the listener. When nil, it serves plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// BridgeConfig describes the assistant bridge connection.
type BridgeConfig struct {
	// URL is the bridge WebSocket endpoint (ws:// or wss://). Required.
	URL string `yaml:"url"`

	// Token is sent in the auth message. Leave empty when the bridge does not
	// require authentication.
	Token string `yaml:"token"`

	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`

	// OfflinePoll is how often reachability is re-checked while the network
	// is reported offline.
	OfflinePoll time.Duration `yaml:"offline_poll"`

	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// NetworkCheckAddr is a host:port probed with a TCP dial before each
	// reconnect attempt. Empty means the network is always assumed online.
	NetworkCheckAddr string `yaml:"network_check_addr"`

	// InboundQueue is how many decoded bridge messages may wait for the
	// application before the reader blocks.
	InboundQueue int `yaml:"inbound_queue"`
}

// AudioConfig selects the audio backend and playback behaviour.
type AudioConfig struct {
	// Backend selects the registered device implementation.
	Backend string `yaml:"backend"`

	// FramesPerBuffer is the device buffer size in frames. 0 uses the
	// backend default.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// PlaybackRate is the rate assumed for synthesized audio until the bridge
	// announces one.
	PlaybackRate int `yaml:"playback_rate"`

	// Chime enables the confirmation tone on wake. Defaults to true.
	Chime *bool `yaml:"chime"`

	// ForwardQueue bounds the blocks waiting to be forwarded to the bridge;
	// the oldest are dropped when it is full.
	ForwardQueue int `yaml:"forward_queue"`
}

// ChimeEnabled reports whether the wake confirmation tone is on.
func (a AudioConfig) ChimeEnabled() bool {
	return a.Chime == nil || *a.Chime
}

// WakeWordConfig configures the detection models.
type WakeWordConfig struct {
	// Backend selects the registered model runtime.
	Backend string `yaml:"backend"`

	// Word is announced in wake_detected and names the classifier model file
	// <ModelsDir>/<Word>.onnx. Hot-reloadable.
	Word string `yaml:"word"`

	// ModelsDir holds the feature, embedding and classifier models.
	ModelsDir string `yaml:"models_dir"`

	FeatureModel   string `yaml:"feature_model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Threshold is the probability a window must exceed. Hot-reloadable.
	Threshold float64 `yaml:"threshold"`

	// ListenTimeout ends a listening run nobody else ended.
	ListenTimeout time.Duration `yaml:"listen_timeout"`

	// RuntimeLibrary is the path of the ONNX Runtime shared library. Empty
	// uses the platform default search path.
	RuntimeLibrary string `yaml:"runtime_library"`
}

// FeaturePath returns the feature model location.
func (w WakeWordConfig) FeaturePath() string {
	return filepath.Join(w.ModelsDir, w.FeatureModel)
}

// EmbeddingPath returns the embedding model location.
func (w WakeWordConfig) EmbeddingPath() string {
	return filepath.Join(w.ModelsDir, w.EmbeddingModel)
}

// ClassifierPath returns the classifier model location for word.
func (w WakeWordConfig) ClassifierPath(word string) string {
	return filepath.Join(w.ModelsDir, word+".onnx")
}

// DebugConfig holds diagnostic settings.
type DebugConfig struct {
	// RecordDir, when set, receives a WAV file of the audio forwarded during
	// every listening run.
	RecordDir string `yaml:"record_dir"`
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	b := &cfg.Bridge
	if b.PingInterval == 0 {
		b.PingInterval = DefaultPingInterval
	}
	if b.PongTimeout == 0 {
		b.PongTimeout = DefaultPongTimeout
	}
	if b.OfflinePoll == 0 {
		b.OfflinePoll = DefaultOfflinePoll
	}
	if b.MaxBackoff == 0 {
		b.MaxBackoff = DefaultMaxBackoff
	}
	if b.InboundQueue == 0 {
		b.InboundQueue = DefaultInboundQueue
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = DefaultAudioBackend
	}
	if a.PlaybackRate == 0 {
		a.PlaybackRate = DefaultPlaybackRate
	}
	if a.ForwardQueue == 0 {
		a.ForwardQueue = DefaultForwardQueue
	}

	w := &cfg.WakeWord
	if w.Backend == "" {
		w.Backend = DefaultModelBackend
	}
	if w.Word == "" {
		w.Word = DefaultWakeWord
	}
	if w.ModelsDir == "" {
		w.ModelsDir = DefaultModelsDir
	}
	if w.FeatureModel == "" {
		w.FeatureModel = DefaultFeatureModel
	}
	if w.EmbeddingModel == "" {
		w.EmbeddingModel = DefaultEmbeddingModel
	}
	if w.Threshold == 0 {
		w.Threshold = DefaultThreshold
	}
	if w.ListenTimeout == 0 {
		w.ListenTimeout = DefaultListenTimeout
	}
}
