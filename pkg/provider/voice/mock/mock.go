// Package mock provides test doubles for the voice package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to inject inbound events, simulate transport drops and inspect
// what the controller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, req)
//	sess := p.Last()
//	sess.Emit(voice.Event{Type: voice.EventSpeechStarted})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/botcall/pkg/provider/voice"
)

var (
	_ voice.Provider      = (*Provider)(nil)
	_ voice.SessionHandle = (*Session)(nil)
)

// ErrClosed is returned by Session methods after Close or Drop.
var ErrClosed = errors.New("mock: session closed")

// ── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock implementation of voice.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are returned by successive Connect calls in order. Once
	// exhausted, Connect creates a fresh Session.
	Sessions []*Session

	// ConnectErrs are returned by successive Connect calls before any
	// session is handed out. A nil entry lets that call succeed.
	ConnectErrs []error

	// ConnectErr, if non-nil, is returned once ConnectErrs is exhausted.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or ctx is done.
	Block chan struct{}

	// ConnectCalls records every request passed to Connect.
	ConnectCalls []voice.InitRequest

	opened []*Session
}

// Connect records req and returns the next scripted session or error.
func (p *Provider) Connect(ctx context.Context, req voice.InitRequest) (voice.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, req)
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	var s *Session
	if len(p.Sessions) > 0 {
		s = p.Sessions[0]
		p.Sessions = p.Sessions[1:]
	} else {
		s = NewSession()
	}
	p.opened = append(p.opened, s)
	return s, nil
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Requests returns a copy of the recorded Connect requests.
func (p *Provider) Requests() []voice.InitRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]voice.InitRequest, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Last returns the most recently opened session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opened) == 0 {
		return nil
	}
	return p.opened[len(p.opened)-1]
}

// Opened returns the number of sessions handed out.
func (p *Provider) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

// ── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of voice.SessionHandle.
type Session struct {
	mu sync.Mutex

	// ID is returned by SessionID.
	ID string

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Audio records every chunk passed to SendAudio.
	Audio [][]byte

	// Commits and Clears count CommitAudio and ClearAudio calls.
	Commits int
	Clears  int

	// Interrupts records the turn id of every Interrupt call.
	Interrupts []string

	// CallCountClose counts Close calls.
	CallCountClose int

	events chan voice.Event
	err    error
	done   bool
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		ID:     uuid.NewString(),
		events: make(chan voice.Event, 256),
	}
}

// Emit injects an inbound event. Events emitted after Close or Drop are
// discarded.
func (s *Session) Emit(ev voice.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events <- ev
}

// Drop simulates a transport failure: Err returns err and the event channel
// closes.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.err = err
	s.done = true
	close(s.events)
}

// SessionID implements voice.SessionHandle.
func (s *Session) SessionID() string { return s.ID }

// SendAudio records chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	return nil
}

// CommitAudio counts the call.
func (s *Session) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrClosed
	}
	s.Commits++
	return nil
}

// ClearAudio counts the call.
func (s *Session) ClearAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrClosed
	}
	s.Clears++
	return nil
}

// Interrupt records turnID.
func (s *Session) Interrupt(turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrClosed
	}
	s.Interrupts = append(s.Interrupts, turnID)
	return nil
}

// Events implements voice.SessionHandle.
func (s *Session) Events() <-chan voice.Event { return s.events }

// Err implements voice.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.done {
		s.done = true
		close(s.events)
	}
	return nil
}

// Closed reports whether Close or Drop was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Snapshot returns copies of the recorded outbound traffic.
func (s *Session) Snapshot() (audio int, commits, clears int, interrupts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio), s.Commits, s.Clears, append([]string(nil), s.Interrupts...)
}
