// Package ffmpeg implements the microphone and speaker through ffmpeg and
// ffplay subprocesses exchanging raw PCM16 over pipes.
//
// Capture runs
//
//	ffmpeg -f <input_format> -i <input_device> -ac N -ar R -f s16le -
//
// and cuts stdout into fixed-size frames. Output pipes reply audio into
// ffplay; Flush restarts the player so audio already buffered inside it is
// dropped.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/botcall/pkg/audio"
)

var (
	_ audio.Capture       = (*Capture)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
)

const (
	// DefaultInputFormat is the ffmpeg input device format.
	DefaultInputFormat = "pulse"

	// DefaultInputDevice is the ffmpeg input device name.
	DefaultInputDevice = "default"

	// DefaultFrameDuration is the length of one captured frame.
	DefaultFrameDuration = 20 * time.Millisecond

	// DefaultStartGrace is how long Open waits for ffmpeg to fail on a bad
	// device before treating the capture as started.
	DefaultStartGrace = 250 * time.Millisecond

	stopTimeout = 1200 * time.Millisecond
	frameBuffer = 16
)

// permissionHints are stderr fragments ffmpeg prints when the OS refuses the
// input device.
var permissionHints = []string{"permission denied", "operation not permitted", "access denied"}

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithCaptureCommand sets the ffmpeg binary. Defaults to "ffmpeg".
func WithCaptureCommand(cmd string) CaptureOption {
	return func(c *Capture) {
		if cmd != "" {
			c.command = cmd
		}
	}
}

// WithInput sets the ffmpeg input format and device, e.g. "alsa" and "hw:0".
func WithInput(format, device string) CaptureOption {
	return func(c *Capture) {
		if format != "" {
			c.inputFormat = format
		}
		if device != "" {
			c.inputDevice = device
		}
	}
}

// WithFrameDuration sets the length of each emitted frame.
func WithFrameDuration(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithStartGrace sets how long Open watches for an early exit.
func WithStartGrace(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d >= 0 {
			c.startGrace = d
		}
	}
}

// WithCaptureLogger sets the logger. Defaults to slog.Default().
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) {
		if l != nil {
			c.log = l
		}
	}
}

// Capture opens the microphone through ffmpeg.
type Capture struct {
	command     string
	inputFormat string
	inputDevice string
	frameDur    time.Duration
	startGrace  time.Duration
	log         *slog.Logger
}

// NewCapture returns a Capture with the given options applied.
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{
		command:     "ffmpeg",
		inputFormat: DefaultInputFormat,
		inputDevice: DefaultInputDevice,
		frameDur:    DefaultFrameDuration,
		startGrace:  DefaultStartGrace,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Capture) args(f audio.Format) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", c.inputDevice,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// Open starts ffmpeg and returns the frame stream. It fails when ffmpeg exits
// within the start grace period; a refused device is reported as
// [audio.ErrPermissionDenied].
func (c *Capture) Open(ctx context.Context, f audio.Format) (audio.CaptureStream, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("ffmpeg: capture: invalid format %+v", f)
	}
	frameBytes := f.FrameBytes(c.frameDur)
	if frameBytes <= 0 {
		return nil, fmt.Errorf("ffmpeg: capture: frame duration %s too short", c.frameDur)
	}

	// The process outlives ctx, which only bounds Open.
	cmd := exec.Command(c.command, c.args(f)...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = stopTimeout
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: capture: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: capture: start %s: %w", c.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	timer := time.NewTimer(c.startGrace)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		msg := trimmed(stderr.String())
		if isPermissionError(msg) {
			return nil, fmt.Errorf("ffmpeg: capture: %w: %s", audio.ErrPermissionDenied, msg)
		}
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: capture: exited before capture started: %w: %s", err, msg)
		}
		return nil, errors.New("ffmpeg: capture: exited before capture started")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-timer.C:
	}

	s := &captureStream{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
		frames:  make(chan audio.AudioFrame, frameBuffer),
		done:    make(chan struct{}),
		format:  f,
		size:    frameBytes,
		log:     c.log,
	}
	go s.read()
	c.log.Debug("ffmpeg capture started",
		"device", c.inputDevice,
		"sample_rate", f.SampleRate,
		"frame_bytes", frameBytes,
	)
	return s, nil
}

// ── Stream ───────────────────────────────────────────────────────────────────

type captureStream struct {
	stdout  io.ReadCloser
	stderr  *syncBuffer
	process *os.Process
	waitErr <-chan error

	frames chan audio.AudioFrame
	done   chan struct{}
	format audio.Format
	size   int
	log    *slog.Logger

	mu  sync.Mutex
	err error

	stopOnce sync.Once
	stopErr  error
}

// read cuts stdout into frames until EOF or Close.
func (s *captureStream) read() {
	defer close(s.frames)
	for {
		buf := make([]byte, s.size)
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(fmt.Errorf("ffmpeg: capture ended: %w: %s", err, trimmed(s.stderr.String())))
			}
			return
		}
		frame := audio.AudioFrame{Data: buf, SampleRate: s.format.SampleRate, Channels: s.format.Channels}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *captureStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *captureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close interrupts ffmpeg, kills it if it does not exit in time and releases
// the pipe. Idempotent.
func (s *captureStream) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.stopErr = stopProcess(s.process, s.waitErr)
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = err
		}
		if s.stopErr != nil {
			s.stopErr = fmt.Errorf("ffmpeg: capture: stop: %w: %s", s.stopErr, trimmed(s.stderr.String()))
		}
	})
	return s.stopErr
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// stopProcess sends an interrupt and waits, killing the process after
// stopTimeout. Exit statuses are expected and not reported.
func stopProcess(p *os.Process, waitErr <-chan error) error {
	_ = p.Signal(os.Interrupt)
	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case err, ok := <-waitErr:
		if ok {
			return normalizeStopErr(err)
		}
		return nil
	case <-timer.C:
		_ = p.Kill()
		if err, ok := <-waitErr; ok {
			return normalizeStopErr(err)
		}
		return nil
	}
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

func isPermissionError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, hint := range permissionHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func trimmed(s string) string { return strings.TrimSpace(s) }

// syncBuffer is a bytes.Buffer safe for the exec copier goroutine and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
