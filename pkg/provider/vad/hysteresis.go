package vad

import (
	"errors"
	"fmt"
)

// Validate checks the parts of cfg every engine relies on.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate %d must be positive", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size %dms must be positive", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %.3f out of range [0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.3f out of range [0, 1]", c.SilenceThreshold))
	}
	if c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.3f above speech threshold %.3f", c.SilenceThreshold, c.SpeechThreshold))
	}
	if c.MinSpeechMs < 0 || c.HangoverMs < 0 {
		errs = append(errs, errors.New("vad: durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Hysteresis turns per-frame speech classifications into segment events. A
// segment starts after MinSpeechMs of consecutive speech frames and ends after
// HangoverMs of consecutive silence, so single noisy frames neither open nor
// close the microphone.
//
// Hysteresis is not safe for concurrent use; it belongs to one session.
type Hysteresis struct {
	startFrames int
	endFrames   int

	speaking   bool
	speechRun  int
	silenceRun int
}

// NewHysteresis derives frame counts from cfg. Both counts are at least one.
func NewHysteresis(cfg Config) *Hysteresis {
	frame := max(cfg.FrameSizeMs, 1)
	return &Hysteresis{
		startFrames: max(ceilDiv(cfg.MinSpeechMs, frame), 1),
		endFrames:   max(ceilDiv(cfg.HangoverMs, frame), 1),
	}
}

// Step folds one frame classification into the state machine and returns the
// resulting event with probability prob attached.
func (h *Hysteresis) Step(speech bool, prob float64) VADEvent {
	if speech {
		h.silenceRun = 0
		if h.speaking {
			return VADEvent{Type: VADSpeechContinue, Probability: prob}
		}
		h.speechRun++
		if h.speechRun >= h.startFrames {
			h.speaking = true
			h.speechRun = 0
			return VADEvent{Type: VADSpeechStart, Probability: prob}
		}
		return VADEvent{Type: VADSilence, Probability: prob}
	}

	h.speechRun = 0
	if !h.speaking {
		return VADEvent{Type: VADSilence, Probability: prob}
	}
	h.silenceRun++
	if h.silenceRun >= h.endFrames {
		h.speaking = false
		h.silenceRun = 0
		return VADEvent{Type: VADSpeechEnd, Probability: prob}
	}
	return VADEvent{Type: VADSpeechContinue, Probability: prob}
}

// Speaking reports whether a speech segment is open.
func (h *Hysteresis) Speaking() bool { return h.speaking }

// Reset closes any open segment and clears the counters.
func (h *Hysteresis) Reset() {
	h.speaking = false
	h.speechRun = 0
	h.silenceRun = 0
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
