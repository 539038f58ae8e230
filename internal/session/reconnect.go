// Package session keeps a backend session alive across transport failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 8 * time.Second
)

// ErrExhausted is passed to OnGiveUp when every retry failed.
var ErrExhausted = errors.New("session: reconnect attempts exhausted")

// DialFunc opens a connection. attempt is 0 for the initial connect and
// counts up from 1 for reconnects.
type DialFunc[C io.Closer] func(ctx context.Context, attempt int) (C, error)

// Reconnector monitors a connection and automatically redials it after a drop
// with bounded exponential backoff.
//
// Callers obtain the initial connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// disconnections. When a drop is signalled via [Reconnector.NotifyDisconnect],
// the monitor redials and invokes OnReconnect with the new connection, or
// OnGiveUp once MaxRetries attempts have failed.
//
// All methods are safe for concurrent use.
type Reconnector[C io.Closer] struct {
	dial        DialFunc[C]
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onAttempt   func(attempt int)
	onReconnect func(conn C, attempt int)
	onGiveUp    func(err error)
	logger      *slog.Logger

	mu           sync.Mutex
	conn         C
	hasConn      bool
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// Config configures a [Reconnector].
type Config[C io.Closer] struct {
	// Dial establishes one connection. Required.
	Dial DialFunc[C]

	// MaxRetries is the maximum number of reconnection attempts per drop
	// before giving up. Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the wait after the first failed attempt. Doubles each attempt
	// up to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 8s if zero.
	MaxBackoff time.Duration

	// OnAttempt is called before each reconnection attempt. May be nil.
	OnAttempt func(attempt int)

	// OnReconnect is called after a successful reconnection with the new
	// connection. May be nil.
	OnReconnect func(conn C, attempt int)

	// OnGiveUp is called once all attempts for a drop have failed. The error
	// wraps [ErrExhausted] and the last dial error. May be nil.
	OnGiveUp func(err error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a [Reconnector] with the given configuration.
func New[C io.Closer](cfg Config[C]) *Reconnector[C] {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector[C]{
		dial:         cfg.Dial,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onAttempt:    cfg.OnAttempt,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		logger:       logger,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial connection.
func (r *Reconnector[C]) Connect(ctx context.Context) (C, error) {
	conn, err := r.dial(ctx, 0)
	if err != nil {
		var zero C
		return zero, fmt.Errorf("session: initial connect: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.hasConn = true
	r.mu.Unlock()

	return conn, nil
}

// Monitor starts monitoring the connection in a background goroutine. The
// goroutine exits when ctx is cancelled or Stop is called.
func (r *Reconnector[C]) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost
// and reconnection should be attempted. Safe to call multiple times; only
// the first call per reconnection cycle has effect.
func (r *Reconnector[C]) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current connection.
// Safe to call multiple times.
func (r *Reconnector[C]) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn, ok := r.conn, r.hasConn
	var zero C
	r.conn = zero
	r.hasConn = false
	r.mu.Unlock()

	if ok {
		return conn.Close()
	}
	return nil
}

// Connection returns the current connection. ok is false before Connect and
// after Stop.
func (r *Reconnector[C]) Connection() (conn C, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn, r.hasConn
}

func (r *Reconnector[C]) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector[C]) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to reconnect with exponential backoff.
func (r *Reconnector[C]) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil || r.stopped() {
			return
		}

		r.logger.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)
		if r.onAttempt != nil {
			r.onAttempt(attempt)
		}

		conn, err := r.dial(ctx, attempt)
		if err == nil {
			r.mu.Lock()
			if r.stopped() {
				r.mu.Unlock()
				_ = conn.Close()
				return
			}
			oldConn, hadOld := r.conn, r.hasConn
			r.conn = conn
			r.hasConn = true
			r.mu.Unlock()

			// Close the old (failed) connection to release its resources.
			if hadOld {
				_ = oldConn.Close()
			}

			r.logger.Info("reconnection successful", "attempt", attempt)

			if r.onReconnect != nil {
				r.onReconnect(conn, attempt)
			}
			return
		}
		lastErr = err

		r.logger.Warn("reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)

		if attempt == r.maxRetries {
			break
		}

		// Wait before retrying.
		timer := time.NewTimer(currentBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.logger.Error("reconnection failed after max retries",
		"max_retries", r.maxRetries,
		"err", lastErr,
	)
	if r.onGiveUp != nil {
		r.onGiveUp(fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.maxRetries, lastErr))
	}
}
