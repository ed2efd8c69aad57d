package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/hearken/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Bridge: config.BridgeConfig{URL: "ws://h"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no hot changes, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart sections, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_WakeWordAndThreshold(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.WakeWord.Word = "alexa"
	new.WakeWord.Threshold = 0.7

	d := config.Diff(old, new)
	if !d.WakeWordChanged || d.NewWakeWord != "alexa" {
		t.Errorf("wake word diff: %+v", d)
	}
	if !d.ThresholdChanged || d.NewThreshold != 0.7 {
		t.Errorf("threshold diff: %+v", d)
	}
	if d.LogLevelChanged {
		t.Error("log level reported as changed")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("hot fields need no restart, got %v", d.RestartRequired)
	}
}

func TestDiff_Chime(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	off := false
	new.Audio.Chime = &off

	d := config.Diff(old, new)
	if !d.ChimeChanged || d.NewChime {
		t.Errorf("chime diff: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("chime needs no restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Bridge.URL = "wss://other"
	new.Audio.FramesPerBuffer = 1024
	new.WakeWord.ListenTimeout = 3 * time.Second
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	new.Debug.RecordDir = "/tmp"

	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("expected no hot changes, got %+v", d)
	}
	want := []string{"server", "bridge", "audio", "wakeword", "debug"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}
