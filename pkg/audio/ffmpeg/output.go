package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/botcall/pkg/audio"
)

var (
	_ audio.Output = (*Output)(nil)
	_ audio.Sink   = (*sink)(nil)
)

// ErrSinkClosed is returned by writes after Close.
var ErrSinkClosed = errors.New("ffmpeg: sink closed")

// OutputOption configures an [Output].
type OutputOption func(*Output)

// WithPlayerCommand sets the player binary. Defaults to "ffplay".
func WithPlayerCommand(cmd string) OutputOption {
	return func(o *Output) {
		if cmd != "" {
			o.command = cmd
		}
	}
}

// WithPlayerArgs replaces the player arguments. The format flags are not
// added when set, so the command must know how to read raw PCM on stdin.
func WithPlayerArgs(args ...string) OutputOption {
	return func(o *Output) { o.args = args }
}

// WithOutputLogger sets the logger. Defaults to slog.Default().
func WithOutputLogger(l *slog.Logger) OutputOption {
	return func(o *Output) {
		if l != nil {
			o.log = l
		}
	}
}

// Output plays PCM through an ffplay subprocess.
type Output struct {
	command string
	args    []string
	log     *slog.Logger
}

// NewOutput returns an Output with the given options applied.
func NewOutput(opts ...OutputOption) *Output {
	o := &Output{command: "ffplay", log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Output) argsFor(f audio.Format) []string {
	if o.args != nil {
		return o.args
	}
	return []string{
		"-nodisp",
		"-autoexit",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
	}
}

// Open starts the player process.
func (o *Output) Open(ctx context.Context, f audio.Format) (audio.Sink, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("ffmpeg: output: invalid format %+v", f)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &sink{command: o.command, args: o.argsFor(f), log: o.log}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

// ── Sink ─────────────────────────────────────────────────────────────────────

type sink struct {
	command string
	args    []string
	log     *slog.Logger

	mu      sync.Mutex
	closed  bool
	stdin   io.WriteCloser
	process *os.Process
	waitErr <-chan error
	stderr  *syncBuffer
}

// start launches a fresh player. Must be called with s.mu held or before the
// sink is shared.
func (s *sink) start() error {
	cmd := exec.Command(s.command, s.args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = stopTimeout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: output: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: output: start %s: %w", s.command, err)
	}
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()
	s.stdin, s.process, s.waitErr, s.stderr = stdin, cmd.Process, waitErr, stderr
	return nil
}

// stop ends the current player. With drain the player may finish what it
// buffered, bounded by stopTimeout. Must be called with s.mu held.
func (s *sink) stop(drain bool) error {
	if s.process == nil {
		return nil
	}
	_ = s.stdin.Close()
	if !drain {
		_ = s.process.Kill()
	}
	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()

	var err error
	select {
	case e, ok := <-s.waitErr:
		if ok {
			err = normalizeStopErr(e)
		}
	case <-timer.C:
		_ = s.process.Kill()
		if e, ok := <-s.waitErr; ok {
			err = normalizeStopErr(e)
		}
	}
	s.process, s.stdin = nil, nil
	return err
}

// Write pipes pcm to the player.
func (s *sink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.process == nil {
		if err := s.start(); err != nil {
			return err
		}
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		msg := trimmed(s.stderr.String())
		_ = s.stop(false)
		return fmt.Errorf("ffmpeg: output: write: %w: %s", err, msg)
	}
	return nil
}

// Flush kills the player so nothing it buffered is heard. The next Write
// starts a new one.
func (s *sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.stop(false); err != nil {
		return fmt.Errorf("ffmpeg: output: flush: %w", err)
	}
	return nil
}

// Close lets the player drain and exit. Idempotent.
func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.stop(true); err != nil {
		return fmt.Errorf("ffmpeg: output: close: %w", err)
	}
	return nil
}
