package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = map[string][]string{
	"audio":    {"portaudio"},
	"wakeword": {"onnx"},
}

// wakeWordPattern restricts wake word names to safe file name stems.
var wakeWordPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidWakeWord reports whether w can name a classifier model file.
func ValidWakeWord(w string) bool {
	return wakeWordPattern.MatchString(w) && w != "." && w != ".."
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes parses an in-memory config file.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Bridge
	b := cfg.Bridge
	if b.URL == "" {
		errs = append(errs, errors.New("bridge.url is required"))
	} else if u, err := url.Parse(b.URL); err != nil {
		errs = append(errs, fmt.Errorf("bridge.url %q: %w", b.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("bridge.url %q must use the ws or wss scheme", b.URL))
	}
	if b.PingInterval < 0 || b.PongTimeout < 0 || b.OfflinePoll < 0 || b.MaxBackoff < 0 {
		errs = append(errs, errors.New("bridge durations must not be negative"))
	}
	if b.InboundQueue < 0 {
		errs = append(errs, fmt.Errorf("bridge.inbound_queue %d must not be negative", b.InboundQueue))
	}
	if b.PingInterval > 0 && b.PongTimeout >= b.PingInterval {
		errs = append(errs, fmt.Errorf("bridge.pong_timeout %v must be shorter than bridge.ping_interval %v", b.PongTimeout, b.PingInterval))
	}
	if b.Token != "" && len(b.URL) > 5 && b.URL[:5] == "ws://" {
		slog.Warn("bridge.token is sent over an unencrypted connection; consider wss://")
	}

	// Audio
	validateBackendName("audio", cfg.Audio.Backend)
	if r := cfg.Audio.PlaybackRate; r < 0 || (r > 0 && (r < 8000 || r > 192000)) {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d is out of range [8000, 192000]", r))
	}
	if cfg.Audio.ForwardQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.forward_queue %d must not be negative", cfg.Audio.ForwardQueue))
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", cfg.Audio.FramesPerBuffer))
	}

	// Wake word
	w := cfg.WakeWord
	validateBackendName("wakeword", w.Backend)
	if w.Word != "" && !ValidWakeWord(w.Word) {
		errs = append(errs, fmt.Errorf("wakeword.word %q may only contain letters, digits, '.', '_' and '-'", w.Word))
	}
	if w.Threshold < 0 || w.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("wakeword.threshold %.2f is out of range (0, 1)", w.Threshold))
	}
	if w.ListenTimeout < 0 {
		errs = append(errs, fmt.Errorf("wakeword.listen_timeout %v must not be negative", w.ListenTimeout))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
