package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else
// is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	// WakeWordChanged means a different classifier model must be loaded.
	WakeWordChanged bool
	NewWakeWord     string

	ChimeChanged bool
	NewChime     bool

	// RestartRequired names the changed sections that only take effect on
	// the next start.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ThresholdChanged || d.WakeWordChanged || d.ChimeChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.WakeWord.Threshold != new.WakeWord.Threshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.WakeWord.Threshold
	}
	if old.WakeWord.Word != new.WakeWord.Word {
		d.WakeWordChanged = true
		d.NewWakeWord = new.WakeWord.Word
	}
	if old.Audio.ChimeEnabled() != new.Audio.ChimeEnabled() {
		d.ChimeChanged = true
		d.NewChime = new.Audio.ChimeEnabled()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Bridge != new.Bridge {
		d.RestartRequired = append(d.RestartRequired, "bridge")
	}
	oa, na := old.Audio, new.Audio
	if oa.Backend != na.Backend || oa.FramesPerBuffer != na.FramesPerBuffer ||
		oa.PlaybackRate != na.PlaybackRate || oa.ForwardQueue != na.ForwardQueue {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	ow, nw := old.WakeWord, new.WakeWord
	if ow.Backend != nw.Backend || ow.ModelsDir != nw.ModelsDir ||
		ow.FeatureModel != nw.FeatureModel || ow.EmbeddingModel != nw.EmbeddingModel ||
		ow.ListenTimeout != nw.ListenTimeout || ow.RuntimeLibrary != nw.RuntimeLibrary {
		d.RestartRequired = append(d.RestartRequired, "wakeword")
	}
	if old.Debug != new.Debug {
		d.RestartRequired = append(d.RestartRequired, "debug")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
