// Package audio defines the audio device abstractions and PCM helpers used by
// the voice call controller.
//
// The primary abstractions are:
//
//   - [Capture] / [CaptureStream] is the microphone, opened once per call,
//     producing fixed-size PCM frames on a channel.
//   - [Output] / [Sink] is the speaker, opened once per call, accepting PCM
//     chunks and able to discard buffered audio instantly on interrupt.
//
// Device adapters live in sub-packages (audio/ffmpeg); test doubles live in
// audio/mock.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Capture.Open] implementations when the
// operating system refuses access to the input device.
var ErrPermissionDenied = errors.New("audio: input device permission denied")

// Capture acquires the microphone.
type Capture interface {
	// Open acquires the input device and starts producing frames in format f.
	// It blocks until the device (and any permission prompt) resolves or ctx
	// is done. The caller owns the returned stream and must Close it.
	Open(ctx context.Context, f Format) (CaptureStream, error)
}

// CaptureStream is an open microphone.
type CaptureStream interface {
	// Frames returns the channel of captured frames. The channel is closed when
	// the stream ends; check Err afterwards to distinguish a device failure
	// from a normal Close.
	Frames() <-chan AudioFrame

	// Err returns the error that ended the stream, or nil.
	Err() error

	// Close releases the device. Idempotent.
	Close() error
}

// Output acquires the speaker.
type Output interface {
	// Open prepares a sink that accepts PCM in format f.
	Open(ctx context.Context, f Format) (Sink, error)
}

// Sink is an open speaker.
//
// Write is called sequentially from the playback goroutine. Flush may be
// called from the same goroutine after an interrupt.
type Sink interface {
	// Write queues pcm for playback.
	Write(pcm []byte) error

	// Flush discards any audio that was written but is not yet audible.
	Flush() error

	// Close releases the device. Idempotent.
	Close() error
}
