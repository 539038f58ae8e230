// Package webrtc implements [vad.Engine] on top of the WebRTC voice activity
// detector (github.com/maxhawkins/go-webrtcvad, cgo).
//
// WebRTC VAD classifies 10, 20 or 30 ms frames of 16-bit mono PCM at 8, 16, 32
// or 48 kHz as voiced or unvoiced. The binary decision is fed through
// [vad.Hysteresis] so that segments open and close with the same semantics as
// the other engines. Config.Mode selects aggressiveness (0 = least, 3 = most).
package webrtc

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/botcall/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// DefaultMode is the aggressiveness used when Config.Mode is zero and no
// [WithMode] option is given.
const DefaultMode = 2

var (
	supportedRates  = []int{8000, 16000, 32000, 48000}
	supportedFrames = []int{10, 20, 30}
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("webrtc: session closed")

// Option configures an [Engine].
type Option func(*Engine)

// WithMode sets the default aggressiveness for sessions whose Config.Mode is
// zero.
func WithMode(mode int) Option {
	return func(e *Engine) { e.mode = mode }
}

// Engine creates WebRTC VAD sessions.
type Engine struct {
	mode int
}

// New returns an [Engine].
func New(opts ...Option) *Engine {
	e := &Engine{mode: DefaultMode}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg against the detector's constraints and allocates a
// detector instance.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !slices.Contains(supportedRates, cfg.SampleRate) {
		return nil, fmt.Errorf("webrtc: unsupported sample rate %d; supported: %v", cfg.SampleRate, supportedRates)
	}
	if !slices.Contains(supportedFrames, cfg.FrameSizeMs) {
		return nil, fmt.Errorf("webrtc: unsupported frame size %dms; supported: %v", cfg.FrameSizeMs, supportedFrames)
	}
	mode := cfg.Mode
	if mode == 0 {
		mode = e.mode
	}
	if mode < 0 || mode > 3 {
		return nil, fmt.Errorf("webrtc: mode %d out of range [0, 3]", mode)
	}

	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc: create detector: %w", err)
	}
	det.SetMode(mode)

	return &session{
		det:        det,
		rate:       cfg.SampleRate,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		h:          vad.NewHysteresis(cfg),
	}, nil
}

type session struct {
	rate       int
	frameBytes int

	mu     sync.Mutex
	det    *webrtcvad.VAD
	h      *vad.Hysteresis
	closed bool
}

// ProcessFrame classifies one frame. Frames must be exactly the configured
// size.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("webrtc: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrSessionClosed
	}
	voiced, err := s.det.Process(s.rate, frame)
	if err != nil {
		return vad.VADEvent{}, fmt.Errorf("webrtc: process: %w", err)
	}
	prob := 0.0
	if voiced {
		prob = 1
	}
	return s.h.Step(voiced, prob), nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h.Reset()
}

// Close drops the detector. The underlying instance is reclaimed by the
// garbage collector.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.det = nil
	return nil
}
