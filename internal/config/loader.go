package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/botcall/internal/hotkey"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"backend":  {"wsjson", "openai"},
	"vad":      {"energy", "webrtc"},
	"capture":  {"ffmpeg"},
	"playback": {"ffmpeg"},
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultSampleRate     = 16000
	DefaultChannels       = 1
	DefaultFrameMs        = 20
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxRetries     = 5
	DefaultBackoff        = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultInterruptGrace = 60 * time.Millisecond
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.VAD.Name == "" {
		cfg.VAD.Name = "energy"
	}
	if cfg.Audio.Capture.Name == "" {
		cfg.Audio.Capture.Name = "ffmpeg"
	}
	if cfg.Audio.Playback.Name == "" {
		cfg.Audio.Playback.Name = "ffmpeg"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}
	if cfg.VAD.FrameMs == 0 {
		cfg.VAD.FrameMs = cfg.Audio.FrameMs
	}

	s := &cfg.Session
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if s.Reconnect.MaxRetries == 0 {
		s.Reconnect.MaxRetries = DefaultMaxRetries
	}
	if s.Reconnect.Backoff == 0 {
		s.Reconnect.Backoff = Duration(DefaultBackoff)
	}
	if s.Reconnect.MaxBackoff == 0 {
		s.Reconnect.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if s.InterruptGrace == 0 {
		s.InterruptGrace = Duration(DefaultInterruptGrace)
	}
	if s.PTTKey == "" {
		s.PTTKey = string(hotkey.KeySpace)
	}

	for i := range cfg.Backend.Fallbacks {
		fb := &cfg.Backend.Fallbacks[i]
		if fb.Name == "" {
			fb.Name = cfg.Backend.Name
		}
		if fb.Options == nil {
			fb.Options = cfg.Backend.Options
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider names. Unknown names only warn so that third-party factories
	// registered at startup still load.
	if cfg.Backend.Name == "" {
		errs = append(errs, errors.New("backend.name is required"))
	}
	validateProviderName("backend", cfg.Backend.Name)
	for i, fb := range cfg.Backend.Fallbacks {
		validateProviderName("backend", fb.Name)
		if fb.BaseURL == "" {
			errs = append(errs, fmt.Errorf("backend.fallbacks[%d].base_url is required", i))
		}
	}
	validateProviderName("vad", cfg.VAD.Name)
	validateProviderName("capture", cfg.Audio.Capture.Name)
	validateProviderName("playback", cfg.Audio.Playback.Name)

	// VAD thresholds
	v := cfg.VAD
	if v.SpeechThreshold < 0 || v.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.3f is out of range [0, 1]", v.SpeechThreshold))
	}
	if v.SilenceThreshold < 0 || v.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.3f is out of range [0, 1]", v.SilenceThreshold))
	}
	if v.SpeechThreshold > 0 && v.SilenceThreshold > v.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.3f must not exceed vad.speech_threshold %.3f", v.SilenceThreshold, v.SpeechThreshold))
	}
	if v.HangoverMs < 0 {
		errs = append(errs, fmt.Errorf("vad.hangover_ms %d must not be negative", v.HangoverMs))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", a.SampleRate))
	}
	if a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.FrameMs <= 0 || a.FrameMs > 100 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range (0, 100]", a.FrameMs))
	}
	if v.FrameMs != a.FrameMs {
		errs = append(errs, fmt.Errorf("vad.frame_ms %d must equal audio.frame_ms %d", v.FrameMs, a.FrameMs))
	}

	// Session
	s := cfg.Session
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", s.ConnectTimeout.Std()))
	}
	if s.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.max_retries %d must not be negative", s.Reconnect.MaxRetries))
	}
	if s.Reconnect.Backoff > s.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("session.reconnect.backoff %s exceeds max_backoff %s", s.Reconnect.Backoff.Std(), s.Reconnect.MaxBackoff.Std()))
	}
	if _, err := hotkey.ParseKey(s.PTTKey); err != nil {
		errs = append(errs, fmt.Errorf("session.ptt_key: %w", err))
	}

	// Bot
	if cfg.Bot.ID == "" {
		errs = append(errs, errors.New("bot.id is required"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
