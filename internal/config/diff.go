package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when a detector threshold or the hangover changed.
	// The new values apply from the next connect.
	VADChanged bool
	NewVAD     VADConfig

	// RestartRequired lists the top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Changed reports whether d carries any difference at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VADChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// VAD tuning
	ov, nv := old.VAD, new.VAD
	if ov.SpeechThreshold != nv.SpeechThreshold ||
		ov.SilenceThreshold != nv.SilenceThreshold ||
		ov.HangoverMs != nv.HangoverMs {
		d.VADChanged = true
		d.NewVAD = nv
	}
	if ov.Name != nv.Name || ov.FrameMs != nv.FrameMs {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameBackend(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Audio.Capture != new.Audio.Capture || old.Audio.Playback != new.Audio.Playback ||
		old.Audio.SampleRate != new.Audio.SampleRate || old.Audio.Channels != new.Audio.Channels ||
		old.Audio.FrameMs != new.Audio.FrameMs {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Bot.ID != new.Bot.ID || old.Bot.ChatID != new.Bot.ChatID || old.Bot.SystemPrompt != new.Bot.SystemPrompt {
		d.RestartRequired = append(d.RestartRequired, "bot")
	}

	return d
}

// sameBackend compares the scalar endpoint fields of two backend blocks.
func sameBackend(a, b BackendConfig) bool {
	if !sameEntry(a.ProviderEntry, b.ProviderEntry) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
