// Package mock provides in-memory mock implementations of the [audio.Capture],
// [audio.CaptureStream], [audio.Output], and [audio.Sink] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(16)
//	capture := &mock.Capture{Stream: stream}
//	sink := &mock.Sink{}
//	output := &mock.Output{Sink: sink}
//	// ... connect a controller, then feed the microphone:
//	stream.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/botcall/pkg/audio"
)

var (
	_ audio.Capture       = (*Capture)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Output        = (*Output)(nil)
	_ audio.Sink          = (*Sink)(nil)
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single Open invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format
}

// Capture is a mock implementation of [audio.Capture].
type Capture struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a fresh
	// [CaptureStream] with a buffer of 64 frames.
	Stream *CaptureStream

	// OpenError is returned by Open when non-nil.
	OpenError error

	// Block, when non-nil, makes Open wait until it is closed or ctx is done.
	// Use it to simulate a pending permission prompt.
	Block chan struct{}

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Capture].
func (c *Capture) Open(ctx context.Context, f audio.Format) (audio.CaptureStream, error) {
	c.mu.Lock()
	c.OpenCalls = append(c.OpenCalls, OpenCall{Format: f})
	block := c.Block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenError != nil {
		return nil, c.OpenError
	}
	if c.Stream == nil {
		c.Stream = NewCaptureStream(64)
	}
	return c.Stream, nil
}

// OpenCount returns the number of Open calls.
func (c *Capture) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.OpenCalls)
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Feed it
// frames with [CaptureStream.Push]; end it with [CaptureStream.Fail] or
// Close.
type CaptureStream struct {
	frames chan audio.AudioFrame

	mu     sync.Mutex
	err    error
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns a stream whose frame channel has the given buffer.
func NewCaptureStream(buffer int) *CaptureStream {
	return &CaptureStream{frames: make(chan audio.AudioFrame, buffer)}
}

// Push delivers a frame to the consumer. It returns false if the stream has
// been closed. Push blocks while the buffer is full.
func (s *CaptureStream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- f
	return true
}

// Fail ends the stream with err, as a device failure would.
func (s *CaptureStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.frames)
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.CaptureStream]. Idempotent.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether the stream has been closed or failed.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Output / Sink ────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output].
type Output struct {
	mu sync.Mutex

	// Sink is returned by Open. If nil, Open creates an empty [Sink].
	Sink *Sink

	// OpenError is returned by Open when non-nil.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Output].
func (o *Output) Open(_ context.Context, f audio.Format) (audio.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, OpenCall{Format: f})
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	if o.Sink == nil {
		o.Sink = &Sink{}
	}
	return o.Sink, nil
}

// Sink is a mock implementation of [audio.Sink] that records every chunk.
type Sink struct {
	mu sync.Mutex

	// WriteError is returned by Write when non-nil.
	WriteError error

	// Writes holds every chunk passed to Write, in order.
	Writes [][]byte

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// OnWrite, when non-nil, is invoked for every Write after recording. Tests
	// use it to block playback mid-turn.
	OnWrite func(pcm []byte)
}

// Write implements [audio.Sink].
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Writes = append(s.Writes, cp)
	err := s.WriteError
	hook := s.OnWrite
	s.mu.Unlock()
	if hook != nil {
		hook(pcm)
	}
	return err
}

// Flush implements [audio.Sink].
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
	return nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// WriteCount returns the number of recorded writes.
func (s *Sink) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Writes)
}

// FlushCount returns the number of Flush calls.
func (s *Sink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountFlush
}

// SetWriteError changes the error returned by subsequent writes.
func (s *Sink) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteError = err
}
