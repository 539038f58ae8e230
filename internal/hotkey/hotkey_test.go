package hotkey

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Key
		wantErr error
	}{
		{in: "", want: KeySpace},
		{in: "space", want: KeySpace},
		{in: "Space", want: KeySpace},
		{in: "t", want: "t"},
		{in: "T", want: "t"},
		{in: "enter", want: KeyEnter},
		{in: "ctrl+t", wantErr: ErrModifierKey},
		{in: "shift-a", wantErr: ErrModifierKey},
		{in: "f13", wantErr: nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseKey(tt.in)
			if tt.in == "f13" {
				if err == nil {
					t.Fatalf("ParseKey(%q) should fail for unknown names", tt.in)
				}
				return
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseKey(%q) err = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// recordingBinder counts binds and closes.
type recordingBinder struct {
	mu     sync.Mutex
	binds  int
	closes int
	err    error
}

type recordingBinding struct{ b *recordingBinder }

func (r *recordingBinder) Bind(Key, func(), func()) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.binds++
	return recordingBinding{r}, nil
}

func (b recordingBinding) Close() error {
	b.b.mu.Lock()
	defer b.b.mu.Unlock()
	b.b.closes++
	return nil
}

func TestManager_AcquireReleaseIdempotent(t *testing.T) {
	t.Parallel()

	rb := &recordingBinder{}
	m := NewManager(rb, KeySpace, nil)

	for range 3 {
		if err := m.Acquire(func() {}, func() {}); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if !m.Active() {
		t.Fatal("manager should be active after Acquire")
	}
	m.Release()
	m.Release()
	if m.Active() {
		t.Fatal("manager should be inactive after Release")
	}
	if rb.binds != 1 || rb.closes != 1 {
		t.Errorf("binds=%d closes=%d, want 1/1", rb.binds, rb.closes)
	}
}

func TestManager_AcquireError(t *testing.T) {
	t.Parallel()

	rb := &recordingBinder{err: ErrAlreadyBound}
	m := NewManager(rb, KeySpace, nil)
	if err := m.Acquire(nil, nil); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("Acquire err = %v, want ErrAlreadyBound", err)
	}
	if m.Active() {
		t.Error("failed Acquire must leave the manager inactive")
	}
}

func TestKeyboard_PressRepeatRelease(t *testing.T) {
	t.Parallel()

	kb := NewKeyboard(strings.NewReader(""), WithReleaseTimeout(40*time.Millisecond))
	var presses, releases atomic.Int32
	released := make(chan struct{})
	_, err := kb.Bind(KeySpace, func() { presses.Add(1) }, func() {
		releases.Add(1)
		close(released)
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// A hold: initial press plus auto-repeat faster than the timeout.
	for range 5 {
		kb.Feed(KeySpace)
		time.Sleep(10 * time.Millisecond)
	}
	if got := presses.Load(); got != 1 {
		t.Fatalf("presses = %d, want 1", got)
	}
	if got := releases.Load(); got != 0 {
		t.Fatalf("released while repeating")
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("key was never released")
	}
	if got := releases.Load(); got != 1 {
		t.Errorf("releases = %d, want 1", got)
	}
}

func TestKeyboard_CloseDropsHeldKeySilently(t *testing.T) {
	t.Parallel()

	kb := NewKeyboard(strings.NewReader(""), WithReleaseTimeout(20*time.Millisecond))
	var releases atomic.Int32
	b, err := kb.Bind("t", func() {}, func() { releases.Add(1) })
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	kb.Feed("t")
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// The pending release timer must not fire after Close.
	time.Sleep(60 * time.Millisecond)
	if got := releases.Load(); got != 0 {
		t.Errorf("releases = %d, want 0", got)
	}

	// The key is free again.
	if _, err := kb.Bind("t", nil, nil); err != nil {
		t.Errorf("rebind after Close: %v", err)
	}
}

func TestKeyboard_DuplicateBind(t *testing.T) {
	t.Parallel()

	kb := NewKeyboard(strings.NewReader(""))
	if _, err := kb.Bind(KeySpace, nil, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := kb.Bind(KeySpace, nil, nil); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second Bind err = %v, want ErrAlreadyBound", err)
	}
}

func TestKeyboard_RunDispatchesUnboundKeysToFallback(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []Key
	kb := NewKeyboard(strings.NewReader("mI\x1b[Aq\x03"), WithFallback(func(k Key) {
		mu.Lock()
		got = append(got, k)
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := kb.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Key{"m", "i", "q", KeyCtrlC}
	if len(got) != len(want) {
		t.Fatalf("keys = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
