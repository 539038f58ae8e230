// Package openai implements voice.Provider for OpenAI's Realtime API.
//
// It establishes a WebSocket to the Realtime endpoint, waits for
// session.created, configures the session with session.update and maps the
// Realtime server events onto the voice event model. Audio is exchanged as
// base64 PCM16 at 24 kHz mono.
//
// Turn detection runs locally by default: the controller's gate decides when
// the user stopped speaking and CommitAudio asks for a response. Pass
// [WithServerVAD] to let the Realtime server segment speech instead.
package openai

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

// Compile-time assertions that Provider and session satisfy the voice
// interfaces.
var (
	_ voice.Provider      = (*Provider)(nil)
	_ voice.SessionHandle = (*session)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"
	writeTimeout              = 2 * time.Second

	// SampleRate is the only PCM16 rate the Realtime API accepts.
	SampleRate = 24000
)

// Keys read from voice.BotConfig.Models.
const (
	ModelKeyVoice         = "voice"
	ModelKeyTranscription = "transcription"
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ToolHandler executes a function call requested by the model and returns the
// JSON result injected back into the conversation.
type ToolHandler func(ctx context.Context, name, args string) (string, error)

// ── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithServerVAD enables server-side turn detection.
func WithServerVAD() Option {
	return func(p *Provider) { p.serverVAD = true }
}

// WithToolHandler sets the function that executes model tool calls. Without
// one every call is answered with an error result.
func WithToolHandler(h ToolHandler) Option {
	return func(p *Provider) { p.tools = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// ── Provider ─────────────────────────────────────────────────────────────────

// Provider implements voice.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	serverVAD bool
	tools     ToolHandler
	logger    *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Realtime endpoint, waits for session.created and sends the
// session configuration derived from req.Config. req.Audio must be 24 kHz
// mono; the caller converts.
func (p *Provider) Connect(ctx context.Context, req voice.InitRequest) (voice.SessionHandle, error) {
	if req.Audio.SampleRate != 0 && (req.Audio.SampleRate != SampleRate || req.Audio.Channels > 1) {
		return nil, fmt.Errorf("openai: unsupported audio format %d Hz/%d ch; want %d Hz mono",
			req.Audio.SampleRate, req.Audio.Channels, SampleRate)
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	sessionID, err := awaitCreated(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		id:        sessionID,
		conn:      conn,
		events:    make(chan voice.Event, 128),
		tools:     p.tools,
		serverVAD: p.serverVAD,
		logger:    p.logger.With("session_id", sessionID),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	update := sessionUpdateMessage{Type: "session.update", Session: p.sessionParams(req.Config)}
	if err := s.writeJSONCtx(ctx, update); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go s.receiveLoop()
	return s, nil
}

func awaitCreated(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("openai: await session.created: %w", ctx.Err())
			}
			return "", fmt.Errorf("openai: await session.created: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.created":
			if evt.Session != nil {
				return evt.Session.ID, nil
			}
			return "", nil
		case "error":
			return "", fmt.Errorf("openai: handshake: %w", toBackendError(evt.Error, true))
		}
	}
}

func (p *Provider) sessionParams(cfg voice.BotConfig) sessionParams {
	transcription := cfg.Models[ModelKeyTranscription]
	if transcription == "" {
		transcription = defaultTranscriptionModel
	}
	params := sessionParams{
		Voice:                   cfg.Models[ModelKeyVoice],
		Instructions:            cfg.SystemPrompt,
		Tools:                   toOAITools(cfg.ToolConfigs),
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionParams{Model: transcription},
	}
	if p.serverVAD {
		params.TurnDetection = &turnDetection{Type: "server_vad"}
	}
	return params
}

// ── Protocol message types (outgoing) ────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Tools                   []oaiTool            `json:"tools,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`

	// A nil TurnDetection is sent as null, which disables server VAD.
	TurnDetection *turnDetection `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type typeOnly struct {
	Type string `json:"type"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// *.completed / *.done transcripts
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Session  *struct{ ID string } `json:"session,omitempty"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response,omitempty"`
	Item *struct {
		Type   string `json:"type"`
		Name   string `json:"name"`
		CallID string `json:"call_id"`
	} `json:"item,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ──────────────────────────────────────────────────────────────────

type session struct {
	id        string
	conn      *websocket.Conn
	events    chan voice.Event
	tools     ToolHandler
	serverVAD bool
	logger    *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) writeJSON(v any) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.writeJSONCtx(ctx, v)
}

func (s *session) writeJSONCtx(ctx context.Context, v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Debug("openai: malformed event ignored", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// emit delivers ev. It returns false once the session is shutting down.
func (s *session) emit(ev voice.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		return s.emit(voice.Event{Type: voice.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		return s.emit(voice.Event{Type: voice.EventSpeechStopped})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(voice.Event{Type: voice.EventTranscriptDelta, Role: voice.RoleUser, ItemID: evt.ItemID, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		return s.emit(voice.Event{Type: voice.EventTranscriptFinal, Role: voice.RoleUser, ItemID: evt.ItemID, Text: evt.Transcript})

	case "response.created":
		if evt.Response == nil {
			return true
		}
		return s.emit(voice.Event{Type: voice.EventResponseStarted, TurnID: evt.Response.ID})

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return true
		}
		return s.emit(voice.Event{Type: voice.EventAudio, TurnID: evt.ResponseID, Audio: audioData})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(voice.Event{Type: voice.EventTranscriptDelta, Role: voice.RoleBot, ItemID: evt.ItemID, TurnID: evt.ResponseID, Text: evt.Delta})

	case "response.audio_transcript.done":
		return s.emit(voice.Event{Type: voice.EventTranscriptFinal, Role: voice.RoleBot, ItemID: evt.ItemID, TurnID: evt.ResponseID, Text: evt.Transcript})

	case "response.output_item.added":
		if evt.Item == nil || evt.Item.Type != "function_call" {
			return true
		}
		return s.emit(voice.Event{Type: voice.EventToolStarted, Tool: evt.Item.Name, CallID: evt.Item.CallID, TurnID: evt.ResponseID})

	case "response.function_call_arguments.done":
		return s.handleFunctionCall(evt)

	case "response.done":
		if evt.Response == nil {
			return true
		}
		return s.emit(voice.Event{Type: voice.EventResponseDone, TurnID: evt.Response.ID})

	case "error":
		return s.emit(voice.Event{Type: voice.EventError, Err: toBackendError(evt.Error, false)})
	}
	return true
}

func (s *session) handleFunctionCall(evt *serverEvent) bool {
	var result string
	if s.tools == nil {
		result = `{"error": "no tool handler configured"}`
	} else {
		out, callErr := s.tools(s.ctx, evt.Name, evt.Arguments)
		if callErr != nil {
			out = fmt.Sprintf(`{"error": %q}`, callErr.Error())
		}
		result = out
	}

	// Return tool result and trigger the next model response.
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: evt.CallID, Output: result},
	}); err != nil {
		s.logger.Warn("openai: send tool result", "tool", evt.Name, "err", err)
	}
	if err := s.writeJSON(typeOnly{Type: "response.create"}); err != nil {
		s.logger.Warn("openai: request response after tool", "err", err)
	}

	return s.emit(voice.Event{Type: voice.EventToolFinished, Tool: evt.Name, CallID: evt.CallID, TurnID: evt.ResponseID})
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func toBackendError(d *serverErrorDetail, fatal bool) *voice.BackendError {
	be := &voice.BackendError{Message: "unknown error", Fatal: fatal}
	if d == nil {
		return be
	}
	if d.Message != "" {
		be.Message = d.Message
	}
	be.Code = d.Code
	if be.Code == "" {
		be.Code = d.Type
	}
	return be
}

// toOAITools converts tool configs into Realtime function tools. Entries whose
// value is a map may carry "description" and "parameters".
func toOAITools(cfgs map[string]any) []oaiTool {
	if len(cfgs) == 0 {
		return nil
	}
	out := make([]oaiTool, 0, len(cfgs))
	for name, raw := range cfgs {
		t := oaiTool{Type: "function", Name: name}
		if m, ok := raw.(map[string]any); ok {
			if d, ok := m["description"].(string); ok {
				t.Description = d
			}
			if params, ok := m["parameters"].(map[string]any); ok {
				t.Parameters = params
			}
		}
		out = append(out, t)
	}
	return out
}

// ── SessionHandle methods ────────────────────────────────────────────────────

func (s *session) SessionID() string { return s.id }

// SendAudio delivers a raw PCM16 audio chunk to the model.
func (s *session) SendAudio(chunk []byte) error {
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitAudio commits the input buffer. With local turn detection it also
// requests a response.
func (s *session) CommitAudio() error {
	if s.serverVAD {
		return nil
	}
	if err := s.writeJSON(typeOnly{Type: "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(typeOnly{Type: "response.create"})
}

func (s *session) ClearAudio() error {
	return s.writeJSON(typeOnly{Type: "input_audio_buffer.clear"})
}

// Interrupt sends response.cancel. The Realtime API cancels the in-flight
// response regardless of turnID.
func (s *session) Interrupt(string) error {
	return s.writeJSON(typeOnly{Type: "response.cancel"})
}

func (s *session) Events() <-chan voice.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
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
