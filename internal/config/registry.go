package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/botcall/pkg/audio"
	"github.com/MrWong99/botcall/pkg/provider/vad"
	"github.com/MrWong99/botcall/pkg/provider/voice"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	voice    map[string]func(ProviderEntry) (voice.Provider, error)
	vad      map[string]func(VADConfig) (vad.Engine, error)
	capture  map[string]func(AudioConfig) (audio.Capture, error)
	playback map[string]func(AudioConfig) (audio.Output, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		voice:    make(map[string]func(ProviderEntry) (voice.Provider, error)),
		vad:      make(map[string]func(VADConfig) (vad.Engine, error)),
		capture:  make(map[string]func(AudioConfig) (audio.Capture, error)),
		playback: make(map[string]func(AudioConfig) (audio.Output, error)),
	}
}

// RegisterVoice registers a voice backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVoice(name string, factory func(ProviderEntry) (voice.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterCapture registers a microphone factory under name.
func (r *Registry) RegisterCapture(name string, factory func(AudioConfig) (audio.Capture, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a speaker factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(AudioConfig) (audio.Output, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateVoice instantiates a voice backend using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVoice(entry ProviderEntry) (voice.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voice[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voice/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under cfg.Name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateCapture instantiates the microphone named by cfg.Capture.Name.
func (r *Registry) CreateCapture(cfg AudioConfig) (audio.Capture, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Capture.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Capture.Name)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the speaker named by cfg.Playback.Name.
func (r *Registry) CreatePlayback(cfg AudioConfig) (audio.Output, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Playback.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, cfg.Playback.Name)
	}
	return factory(cfg)
}
