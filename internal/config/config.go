// Package config provides the configuration schema, loader, and provider registry
// for botcall.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/botcall/pkg/provider/voice"
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

// Level maps l to a [slog.Level]. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Duration is a [time.Duration] that unmarshals from YAML strings such as
// "500ms" or "8s".
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	VAD     VADConfig     `yaml:"vad"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	Bot     BotConfig     `yaml:"bot"`
}

// ServerConfig holds the status listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the status server (e.g., ":9090").
	// Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "wsjson", "energy").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// BackendConfig selects the voice backend and its fallback endpoints.
type BackendConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are dialled in order when the primary endpoint's circuit is
	// open or its handshake fails. Each inherits Name and Options from the
	// primary when left empty.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// VADConfig selects the voice activity detector and its tuning.
type VADConfig struct {
	Name string `yaml:"name"`

	// SpeechThreshold and SilenceThreshold are engine-specific levels in
	// [0, 1]. Hot-reloadable; applied on the next connect.
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// FrameMs is the VAD frame size. Defaults to audio.frame_ms.
	FrameMs int `yaml:"frame_ms"`

	// HangoverMs is the trailing silence that ends an utterance.
	HangoverMs int `yaml:"hangover_ms"`

	Options map[string]any `yaml:"options"`
}

// AudioConfig configures the local microphone and speaker.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`

	// SampleRate and Channels describe the PCM format sent to the backend.
	// Defaults: 16000 Hz mono.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameMs is the capture frame duration. Default: 20.
	FrameMs int `yaml:"frame_ms"`
}

// CaptureConfig selects the microphone implementation.
type CaptureConfig struct {
	Name string `yaml:"name"`

	// Command overrides the capture executable (default "ffmpeg").
	Command string `yaml:"command"`

	// InputFormat and InputDevice are passed to ffmpeg as -f and -i.
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`
}

// PlaybackConfig selects the speaker implementation.
type PlaybackConfig struct {
	Name string `yaml:"name"`

	// Command overrides the player executable (default "ffplay").
	Command string `yaml:"command"`
}

// SessionConfig holds connection and interaction policy for the call.
type SessionConfig struct {
	// ConnectTimeout bounds the handshake. Default: 10s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// PushToTalk starts the call in push-to-talk mode.
	PushToTalk bool `yaml:"push_to_talk"`

	// PTTKey is the hold-to-talk key (default "space").
	PTTKey string `yaml:"ptt_key"`

	// InterruptGrace is the playback lead kept buffered ahead of the
	// speaker; it bounds how much audio can still be heard after an
	// interrupt.
	InterruptGrace Duration `yaml:"interrupt_grace"`
}

// ReconnectConfig bounds the backoff after a transport drop.
type ReconnectConfig struct {
	// MaxRetries is the number of attempts before giving up. Default: 5.
	MaxRetries int      `yaml:"max_retries"`
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

// BotConfig identifies the bot and carries the session configuration sent
// to the backend on connect.
type BotConfig struct {
	ID     string `yaml:"id"`
	ChatID string `yaml:"chat_id"`

	SystemPrompt string            `yaml:"system_prompt"`
	Models       map[string]string `yaml:"models"`
	Capabilities []string          `yaml:"capabilities"`
	ToolConfigs  map[string]any    `yaml:"tool_configs"`
}

// SessionConfig returns the backend session configuration described by b.
func (b BotConfig) SessionConfig() voice.BotConfig {
	return voice.BotConfig{
		SystemPrompt: b.SystemPrompt,
		Models:       b.Models,
		Capabilities: b.Capabilities,
		ToolConfigs:  b.ToolConfigs,
	}
}

// ChatIDPtr returns the chat id, or nil when none is configured.
func (b BotConfig) ChatIDPtr() *string {
	if b.ChatID == "" {
		return nil
	}
	id := b.ChatID
	return &id
}
