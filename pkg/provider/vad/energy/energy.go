// Package energy implements a pure-Go [vad.Engine] that classifies frames by
// their RMS level.
//
// Thresholds are interpreted as normalised RMS levels (see [audio.RMSLevel]):
// a frame opens a segment when its level reaches SpeechThreshold and keeps it
// open while the level stays at or above SilenceThreshold. The two thresholds
// plus the MinSpeechMs/HangoverMs counters of [vad.Hysteresis] keep the gate
// from chattering on background noise.
package energy

import (
	"errors"
	"sync"

	"github.com/MrWong99/botcall/pkg/audio"
	"github.com/MrWong99/botcall/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Default thresholds applied when a Config leaves them at zero.
const (
	DefaultSpeechLevel = 0.02
	DefaultHangoverMs  = 600
	DefaultMinSpeechMs = 60
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy: session closed")

// Engine creates RMS-level VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an [Engine].
func New() *Engine { return &Engine{} }

// NewSession validates cfg, fills defaults and returns a new session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechLevel
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = cfg.SpeechThreshold / 2
	}
	if cfg.HangoverMs == 0 {
		cfg.HangoverMs = DefaultHangoverMs
	}
	if cfg.MinSpeechMs == 0 {
		cfg.MinSpeechMs = DefaultMinSpeechMs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, h: vad.NewHysteresis(cfg)}, nil
}

type session struct {
	cfg vad.Config

	mu     sync.Mutex
	h      *vad.Hysteresis
	closed bool
}

// ProcessFrame classifies frame by RMS level.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if len(frame) < 2 {
		return vad.VADEvent{}, errors.New("energy: empty frame")
	}
	level := audio.RMSLevel(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrSessionClosed
	}
	threshold := s.cfg.SpeechThreshold
	if s.h.Speaking() {
		threshold = s.cfg.SilenceThreshold
	}
	return s.h.Step(level >= threshold, level), nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h.Reset()
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
