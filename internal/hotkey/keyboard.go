package hotkey

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode"

	"golang.org/x/term"
)

// DefaultReleaseTimeout is how long a held key may go without a repeat before
// it counts as released. Terminals only report presses, so a hold is seen as
// the initial press followed by auto-repeat. The first repeat typically comes
// after 250-600ms.
const DefaultReleaseTimeout = 650 * time.Millisecond

// KeyboardOption configures a [Keyboard].
type KeyboardOption func(*Keyboard)

// WithReleaseTimeout overrides [DefaultReleaseTimeout].
func WithReleaseTimeout(d time.Duration) KeyboardOption {
	return func(k *Keyboard) {
		if d > 0 {
			k.releaseAfter = d
		}
	}
}

// WithFallback registers a handler for keys that have no binding. The CLI
// uses it for single-key commands.
func WithFallback(fn func(Key)) KeyboardOption {
	return func(k *Keyboard) { k.fallback = fn }
}

// Keyboard reads keys from a terminal in raw mode and implements [Binder].
type Keyboard struct {
	in           io.Reader
	releaseAfter time.Duration
	fallback     func(Key)

	mu       sync.Mutex
	bindings map[Key]*keyBinding
}

var _ Binder = (*Keyboard)(nil)

type keyBinding struct {
	kb      *Keyboard
	key     Key
	press   func()
	release func()

	held  bool
	timer *time.Timer
	gen   int
}

// NewKeyboard returns a keyboard reading from in.
func NewKeyboard(in io.Reader, opts ...KeyboardOption) *Keyboard {
	k := &Keyboard{
		in:           in,
		releaseAfter: DefaultReleaseTimeout,
		bindings:     make(map[Key]*keyBinding),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Bind implements [Binder].
func (k *Keyboard) Bind(key Key, press, release func()) (Binding, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.bindings[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, key)
	}
	b := &keyBinding{kb: k, key: key, press: press, release: release}
	k.bindings[key] = b
	return b, nil
}

// Close removes the binding. A held key is dropped without a release
// callback; the owner resets its own hold state when it unbinds.
func (b *keyBinding) Close() error {
	k := b.kb
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.bindings[b.key] != b {
		return nil
	}
	delete(k.bindings, b.key)
	b.held = false
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
	}
	return nil
}

// Run reads keys until ctx is done or the input ends. Input errors other
// than EOF are returned.
func (k *Keyboard) Run(ctx context.Context) error {
	keys := make(chan Key)
	errc := make(chan error, 1)
	go func() {
		r := bufio.NewReader(k.in)
		for {
			key, err := readKey(r)
			if err != nil {
				errc <- err
				return
			}
			if key == "" {
				continue
			}
			select {
			case keys <- key:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("hotkey: read input: %w", err)
		case key := <-keys:
			k.Feed(key)
		}
	}
}

// Feed processes one key event as if it had been read from the input.
func (k *Keyboard) Feed(key Key) {
	k.mu.Lock()
	b, ok := k.bindings[key]
	if !ok {
		fallback := k.fallback
		k.mu.Unlock()
		if fallback != nil {
			fallback(key)
		}
		return
	}

	first := !b.held
	b.held = true
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(k.releaseAfter, func() { k.expire(b, gen) })
	k.mu.Unlock()

	if first && b.press != nil {
		b.press()
	}
}

// expire releases b unless another repeat arrived since gen.
func (k *Keyboard) expire(b *keyBinding, gen int) {
	k.mu.Lock()
	if b.gen != gen || !b.held {
		k.mu.Unlock()
		return
	}
	b.held = false
	k.mu.Unlock()

	if b.release != nil {
		b.release()
	}
}

// readKey decodes one key from raw terminal input. Escape sequences (arrow
// keys and the like) are consumed and reported as an empty key.
func readKey(r *bufio.Reader) (Key, error) {
	c, _, err := r.ReadRune()
	if err != nil {
		return "", err
	}
	switch c {
	case ' ':
		return KeySpace, nil
	case '\r', '\n':
		return KeyEnter, nil
	case 3:
		return KeyCtrlC, nil
	case 27:
		if r.Buffered() == 0 {
			return KeyEsc, nil
		}
		// CSI: ESC [ params final
		if next, _ := r.Peek(1); len(next) == 1 && next[0] == '[' {
			_, _ = r.ReadByte()
			for {
				b, err := r.ReadByte()
				if err != nil {
					return "", err
				}
				if b >= 0x40 && b <= 0x7e {
					return "", nil
				}
			}
		}
		return KeyEsc, nil
	}
	if c < 32 || c == 127 {
		return "", nil
	}
	return Key(string(unicode.ToLower(c))), nil
}

// MakeRaw puts the terminal on fd into raw mode. The returned function
// restores the previous state.
func MakeRaw(fd int) (restore func() error, err error) {
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("hotkey: fd %d is not a terminal", fd)
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("hotkey: make raw: %w", err)
	}
	return func() error { return term.Restore(fd, old) }, nil
}
