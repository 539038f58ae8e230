package audio

import "time"

// AudioFrame is a single chunk of little-endian PCM16 audio flowing through the
// call: captured from the microphone, gated by VAD/PTT, and streamed upstream.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the backend link, 24000 for replies).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// FrameBytes returns the number of bytes in a frame of duration d.
func (f Format) FrameBytes(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	// Keep whole samples across all channels.
	align := 2 * max(f.Channels, 1)
	return n - n%align
}

// Duration returns the playback duration of n bytes of PCM16 in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}
