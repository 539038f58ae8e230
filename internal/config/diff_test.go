package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/botcall/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		Backend: config.BackendConfig{
			ProviderEntry: config.ProviderEntry{Name: "wsjson", BaseURL: "ws://a"},
		},
		VAD:   config.VADConfig{Name: "energy", SpeechThreshold: 0.02, FrameMs: 20, HangoverMs: 600},
		Audio: config.AudioConfig{SampleRate: 16000, Channels: 1, FrameMs: 20},
		Bot:   config.BotConfig{ID: "b"},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
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
	if d.VADChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_VADTuning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.VADConfig)
	}{
		{"speech threshold", func(v *config.VADConfig) { v.SpeechThreshold = 0.04 }},
		{"silence threshold", func(v *config.VADConfig) { v.SilenceThreshold = 0.01 }},
		{"hangover", func(v *config.VADConfig) { v.HangoverMs = 900 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(&new.VAD)

			d := config.Diff(old, new)
			if !d.VADChanged {
				t.Fatal("expected VADChanged=true")
			}
			nv := d.NewVAD
			if nv.SpeechThreshold != new.VAD.SpeechThreshold || nv.SilenceThreshold != new.VAD.SilenceThreshold || nv.HangoverMs != new.VAD.HangoverMs {
				t.Errorf("NewVAD = %+v, want %+v", d.NewVAD, new.VAD)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("threshold changes are hot-reloadable, got RestartRequired=%v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"vad engine", func(c *config.Config) { c.VAD.Name = "webrtc" }, "vad"},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9191" }, "server"},
		{"backend url", func(c *config.Config) { c.Backend.BaseURL = "ws://b" }, "backend"},
		{"backend fallback", func(c *config.Config) {
			c.Backend.Fallbacks = []config.ProviderEntry{{Name: "wsjson", BaseURL: "ws://c"}}
		}, "backend"},
		{"capture device", func(c *config.Config) { c.Audio.Capture.InputDevice = "hw:2" }, "audio"},
		{"sample rate", func(c *config.Config) { c.Audio.SampleRate = 24000 }, "audio"},
		{"push to talk", func(c *config.Config) { c.Session.PushToTalk = true }, "session"},
		{"system prompt", func(c *config.Config) { c.Bot.SystemPrompt = "be terse" }, "bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tt.section)
			}
			if d.LogLevelChanged || d.VADChanged {
				t.Errorf("unexpected hot-reload changes: %+v", d)
			}
		})
	}
}
