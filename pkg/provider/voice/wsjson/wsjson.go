// Package wsjson implements voice.Provider for the native botcall backend
// protocol: JSON text frames over a single WebSocket.
//
// Every frame is an envelope {"type": "...", ...}. Audio travels as base64
// PCM16 in both directions. The client opens with session.init, the backend
// answers session.ready, and from then on the client streams
// input_audio.append / input_audio.commit / input_audio.clear /
// response.cancel while the backend streams speech, transcript, thinking,
// audio, tool and error events.
package wsjson

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/botcall/pkg/provider/voice"
)

var (
	_ voice.Provider      = (*Provider)(nil)
	_ voice.SessionHandle = (*session)(nil)
)

const (
	defaultWriteTimeout = 2 * time.Second
	defaultEventBuffer  = 128
	readLimit           = 4 << 20
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("wsjson: session closed")

// ── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIKey sends key as a bearer token on the WebSocket upgrade.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithHeader adds an HTTP header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.header.Add(key, value) }
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithLogger sets the logger for dropped or malformed frames.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// ── Provider ─────────────────────────────────────────────────────────────────

// Provider dials a wsjson backend.
type Provider struct {
	url          string
	apiKey       string
	header       http.Header
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a Provider for the backend at url (ws:// or wss://).
func New(url string, opts ...Option) *Provider {
	p := &Provider{
		url:          url,
		header:       http.Header{},
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the backend, sends session.init and waits for session.ready.
// A fatal error frame before ready fails the handshake with that error.
func (p *Provider) Connect(ctx context.Context, req voice.InitRequest) (voice.SessionHandle, error) {
	header := p.header.Clone()
	if p.apiKey != "" {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("wsjson: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	data, err := json.Marshal(newInitMessage(req))
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal failed")
		return nil, fmt.Errorf("wsjson: marshal init: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("wsjson: send init: %w", err)
	}

	sessionID, err := p.awaitReady(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:           sessionID,
		conn:         conn,
		events:       make(chan voice.Event, defaultEventBuffer),
		writeTimeout: p.writeTimeout,
		logger:       p.logger.With("session_id", sessionID),
		ctx:          sessCtx,
		cancel:       cancel,
	}
	go s.receiveLoop()
	return s, nil
}

func (p *Provider) awaitReady(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("wsjson: await ready: %w", ctx.Err())
			}
			return "", fmt.Errorf("wsjson: await ready: %w", err)
		}
		ev, ok, err := decode(data)
		if err != nil || !ok {
			continue
		}
		switch ev.Type {
		case voice.EventReady:
			return ev.SessionID, nil
		case voice.EventError:
			if ev.Err.Fatal {
				return "", fmt.Errorf("wsjson: handshake: %w", ev.Err)
			}
			p.logger.Warn("wsjson: error before ready", "err", ev.Err)
		}
	}
}

// ── session ──────────────────────────────────────────────────────────────────

type session struct {
	id           string
	conn         *websocket.Conn
	events       chan voice.Event
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// receiveLoop owns the events channel and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("wsjson: read: %w", err))
			return
		}

		ev, ok, err := decode(data)
		if err != nil {
			s.logger.Debug("wsjson: malformed frame ignored", "err", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) writeJSON(v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsjson: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wsjson: write: %w", err)
	}
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ────────────────────────────────────────────────────

func (s *session) SessionID() string { return s.id }

// SendAudio sends one PCM16 chunk as input_audio.append.
func (s *session) SendAudio(chunk []byte) error {
	return s.writeJSON(appendMessage{
		Type:  "input_audio.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

func (s *session) CommitAudio() error {
	return s.writeJSON(bareMessage{Type: "input_audio.commit"})
}

func (s *session) ClearAudio() error {
	return s.writeJSON(bareMessage{Type: "input_audio.clear"})
}

// Interrupt sends response.cancel for turnID.
func (s *session) Interrupt(turnID string) error {
	return s.writeJSON(cancelMessage{Type: "response.cancel", TurnID: turnID})
}

func (s *session) Events() <-chan voice.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close sends session.end on a best-effort basis and closes the socket.
// Idempotent.
func (s *session) Close() error {
	_ = s.writeJSON(bareMessage{Type: "session.end"})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
