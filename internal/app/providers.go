package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/botcall/internal/config"
	"github.com/MrWong99/botcall/internal/observe"
	"github.com/MrWong99/botcall/internal/resilience"
	voiceprov "github.com/MrWong99/botcall/pkg/provider/voice"
)

// ErrNoBackend is returned by [BuildProviders] when the backend block names
// no provider.
var ErrNoBackend = errors.New("app: no backend configured")

// BuildProviders instantiates every provider named in cfg through reg. When
// backend fallbacks are configured, the backend is a
// [resilience.VoiceFallback] with one circuit breaker per endpoint.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if cfg.Backend.Name == "" {
		return nil, ErrNoBackend
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}

	backend, err := buildBackend(cfg.Backend, reg, m)
	if err != nil {
		return nil, err
	}
	engine, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("app: create vad: %w", err)
	}
	capture, err := reg.CreateCapture(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("app: create capture: %w", err)
	}
	playback, err := reg.CreatePlayback(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("app: create playback: %w", err)
	}
	return &Providers{Backend: backend, VAD: engine, Capture: capture, Playback: playback}, nil
}

func buildBackend(bc config.BackendConfig, reg *config.Registry, m *observe.Metrics) (voiceprov.Provider, error) {
	primary, err := reg.CreateVoice(bc.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("app: create backend: %w", err)
	}
	if len(bc.Fallbacks) == 0 {
		return primary, nil
	}

	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				m.RecordCircuitTransition(context.Background(), name, to.String())
				slog.Info("backend endpoint circuit changed", "endpoint", name, "from", from.String(), "to", to.String())
			},
		},
	}
	fb := resilience.NewVoiceFallback(primary, endpointName(bc.ProviderEntry), fcfg)
	for i, entry := range bc.Fallbacks {
		p, err := reg.CreateVoice(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create backend fallback %d: %w", i, err)
		}
		fb.AddFallback(endpointName(entry), p)
	}
	return fb, nil
}

// endpointName labels an endpoint in logs and metrics.
func endpointName(e config.ProviderEntry) string {
	if e.BaseURL != "" {
		return e.Name + "@" + e.BaseURL
	}
	return e.Name
}
