package audio

import (
	"math"
	"sync/atomic"
)

// Default smoothing coefficients for [LevelMeter]. A rising level is tracked
// quickly so speech onset is visible, a falling level decays slowly so the
// indicator does not flicker between words.
const (
	DefaultAttack  = 0.5
	DefaultRelease = 0.1
)

// RMSLevel returns the root-mean-square amplitude of little-endian PCM16 data,
// normalised to [0, 1] where 1 is a full-scale square wave. Empty or odd-length
// trailing bytes are ignored.
func RMSLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768.0
	return min(rms, 1)
}

// LevelMeter turns per-frame RMS levels into a smoothed microphone level for
// display. Update is called from the capture goroutine; Level may be read
// from any goroutine.
type LevelMeter struct {
	attack  float64
	release float64

	// current holds the float64 bits of the smoothed level.
	current atomic.Uint64
}

// NewLevelMeter returns a meter with the given smoothing coefficients in
// (0, 1]. Out-of-range values fall back to [DefaultAttack] and
// [DefaultRelease].
func NewLevelMeter(attack, release float64) *LevelMeter {
	if attack <= 0 || attack > 1 {
		attack = DefaultAttack
	}
	if release <= 0 || release > 1 {
		release = DefaultRelease
	}
	return &LevelMeter{attack: attack, release: release}
}

// Update folds the level of pcm into the meter and returns the new smoothed
// level.
func (m *LevelMeter) Update(pcm []byte) float64 {
	raw := RMSLevel(pcm)
	prev := m.Level()
	coeff := m.release
	if raw > prev {
		coeff = m.attack
	}
	next := prev + coeff*(raw-prev)
	if next < 1e-6 {
		next = 0
	}
	m.current.Store(math.Float64bits(next))
	return next
}

// Level returns the last smoothed level in [0, 1].
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.current.Load())
}

// Reset drops the meter back to silence.
func (m *LevelMeter) Reset() {
	m.current.Store(0)
}
