// Package hotkey provides scoped press-and-hold key bindings for push-to-talk.
//
// A [Binder] is the platform's key source; [Keyboard] implements it for a
// terminal in raw mode. A [Manager] owns the single push-to-talk binding of a
// call and registers it only while it is wanted, so that a disconnected call
// or a mode switch never leaves a stuck global hotkey behind.
package hotkey

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	// ErrAlreadyBound is returned by Bind when the key already has a binding.
	ErrAlreadyBound = errors.New("hotkey: key already bound")

	// ErrModifierKey is returned by ParseKey for modifier combinations.
	// Push-to-talk uses a main key only.
	ErrModifierKey = errors.New("hotkey: modifier combinations are not supported")
)

// Key names a main key. Printable keys are the character itself; the space
// bar is "space".
type Key string

const (
	KeySpace Key = "space"
	KeyEnter Key = "enter"
	KeyEsc   Key = "esc"
	KeyCtrlC Key = "ctrl+c"
)

// ParseKey validates a key name from configuration.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "space", " ":
		return KeySpace, nil
	case "enter", "return":
		return KeyEnter, nil
	case "esc", "escape":
		return KeyEsc, nil
	}
	if strings.ContainsAny(s, "+-") && utf8.RuneCountInString(s) > 1 {
		return "", fmt.Errorf("%w: %q", ErrModifierKey, s)
	}
	if utf8.RuneCountInString(s) != 1 {
		return "", fmt.Errorf("hotkey: unknown key %q", s)
	}
	return Key(strings.ToLower(s)), nil
}

// Binding is one registered key. Close removes it and is idempotent.
type Binding interface {
	Close() error
}

// Binder registers press-and-hold handlers for a key. Implementations must
// invoke press and release without holding internal locks, and never from
// within Bind or Binding.Close, because handlers call back into the code
// that manages bindings.
type Binder interface {
	Bind(key Key, press, release func()) (Binding, error)
}

// Manager holds at most one binding for a fixed key.
type Manager struct {
	binder Binder
	key    Key
	logger *slog.Logger

	mu      sync.Mutex
	binding Binding
}

// NewManager returns a manager for key on binder. A nil logger means
// slog.Default().
func NewManager(binder Binder, key Key, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{binder: binder, key: key, logger: logger}
}

// Key returns the managed key.
func (m *Manager) Key() Key { return m.key }

// Acquire registers the key with the given handlers. Acquiring an active
// manager is a no-op.
func (m *Manager) Acquire(press, release func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.binding != nil {
		return nil
	}
	b, err := m.binder.Bind(m.key, press, release)
	if err != nil {
		return fmt.Errorf("hotkey: bind %s: %w", m.key, err)
	}
	m.binding = b
	m.logger.Debug("hotkey bound", "key", string(m.key))
	return nil
}

// Release removes the binding. Releasing an inactive manager is a no-op.
func (m *Manager) Release() {
	m.mu.Lock()
	b := m.binding
	m.binding = nil
	m.mu.Unlock()
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		m.logger.Warn("hotkey unbind failed", "key", string(m.key), "err", err)
		return
	}
	m.logger.Debug("hotkey released", "key", string(m.key))
}

// Active reports whether the key is currently bound.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding != nil
}
