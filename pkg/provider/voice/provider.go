// Package voice defines the Provider interface for conversational voice
// backends.
//
// A voice backend accepts a live stream of user microphone audio and answers
// with a multiplexed stream of typed events: speech boundaries, streamed user
// and bot transcripts, the model's streamed reasoning, synthesised speech,
// tool-call lifecycle notifications and errors. The controller in
// internal/voice consumes exactly this event model; adapters translate each
// concrete wire protocol into it.
//
// The central abstraction is SessionHandle, one open bidirectional stream.
// Sessions are long-lived and are reopened by the reconnector after a
// transport drop with [InitRequest.Resume] set.
//
// All implementations must be safe for concurrent use.
package voice

import (
	"context"
	"fmt"
)

// Role identifies the speaker of a transcript event.
type Role string

const (
	// RoleUser is the human on the microphone.
	RoleUser Role = "user"
	// RoleBot is the backend's synthesised voice.
	RoleBot Role = "bot"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r == RoleUser || r == RoleBot }

// EventType discriminates inbound [Event] values.
type EventType string

const (
	// EventReady acknowledges the session init. SessionID is set.
	EventReady EventType = "ready"

	// EventSpeechStarted reports that the backend detected the user speaking.
	EventSpeechStarted EventType = "speech.started"

	// EventSpeechStopped reports the end of the user's utterance. The backend
	// is now transcribing.
	EventSpeechStopped EventType = "speech.stopped"

	// EventTranscriptDelta carries a partial transcript fragment. Role, ItemID
	// and Seq are set; Text is appended to the in-progress entry.
	EventTranscriptDelta EventType = "transcript.delta"

	// EventTranscriptFinal seals a transcript item. Text is the full final
	// text and may be empty, in which case the accumulated deltas are used.
	EventTranscriptFinal EventType = "transcript.final"

	// EventResponseStarted marks the beginning of a bot turn identified by
	// TurnID.
	EventResponseStarted EventType = "response.started"

	// EventThinkingDelta carries a fragment of the model's visible reasoning.
	EventThinkingDelta EventType = "thinking.delta"

	// EventAudio carries one chunk of synthesised PCM for TurnID.
	EventAudio EventType = "audio"

	// EventResponseDone reports that the backend finished generating TurnID.
	// Audio may still be queued for playback.
	EventResponseDone EventType = "response.done"

	// EventToolStarted reports a tool invocation. CallID may be empty when the
	// backend does not assign call identifiers.
	EventToolStarted EventType = "tool.started"

	// EventToolFinished reports the completion of a tool invocation.
	EventToolFinished EventType = "tool.finished"

	// EventError carries a backend error in Err.
	EventError EventType = "error"
)

// Event is one inbound message from the backend, already decoded from the
// wire. Which fields are populated depends on Type.
type Event struct {
	Type EventType

	// Role is set for transcript events.
	Role Role

	// ItemID identifies the transcript item a delta or final belongs to.
	ItemID string

	// Seq is the per-item sequence number. Zero means the backend does not
	// number its events and arrival order is used.
	Seq int

	// TurnID identifies the bot turn for response, thinking, audio and tool
	// events.
	TurnID string

	// Text is the transcript or thinking fragment.
	Text string

	// Audio is raw PCM16 in the format negotiated at init.
	Audio []byte

	// Tool is the tool name for tool events.
	Tool string

	// CallID is the backend's identifier for one tool invocation, if any.
	CallID string

	// SessionID is set on EventReady.
	SessionID string

	// Err is set on EventError.
	Err *BackendError
}

// BackendError is an error reported in-band by the backend.
type BackendError struct {
	Code    string
	Message string

	// Fatal errors end the session. Non-fatal errors are surfaced and the
	// session continues.
	Fatal bool
}

// Error implements error.
func (e *BackendError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("backend error: %s", e.Message)
	}
	return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
}

// BotConfig is the bot definition sent with every session init. It is
// supplied once per call and reused verbatim on reconnect.
type BotConfig struct {
	SystemPrompt string            `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Models       map[string]string `json:"models,omitempty" yaml:"models"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	ToolConfigs  map[string]any    `json:"tool_configs,omitempty" yaml:"tool_configs"`
}

// AudioFormat describes the PCM16 stream in both directions.
type AudioFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// InitRequest is everything a Provider needs to open a session.
type InitRequest struct {
	BotID string

	// ChatID binds the call to a persisted chat. Nil for an unbound call.
	ChatID *string

	Config BotConfig
	Audio  AudioFormat

	// Resume is set when the session is reopened after a transport drop.
	Resume bool

	// TranscriptCount is the number of finalized transcript entries the
	// controller already holds, so a resuming backend does not replay them.
	TranscriptCount int
}

// SessionHandle represents one open backend session.
//
// Methods other than Events must return quickly; implementations write to the
// transport with a short internal deadline rather than blocking indefinitely.
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SessionID returns the identifier assigned by the backend at ready time.
	SessionID() string

	// SendAudio delivers one chunk of user PCM.
	SendAudio(chunk []byte) error

	// CommitAudio marks the end of the current user utterance.
	CommitAudio() error

	// ClearAudio discards audio sent since the last commit.
	ClearAudio() error

	// Interrupt asks the backend to stop generating turnID. An empty turnID
	// cancels whatever is in flight.
	Interrupt(turnID string) error

	// Events returns the inbound event stream. The channel is closed when the
	// session ends; check Err afterwards to distinguish a clean close from a
	// transport drop.
	Events() <-chan Event

	// Err returns the error that terminated the event stream, or nil if the
	// session was closed locally.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any voice backend.
type Provider interface {
	// Connect dials the backend, sends the session init and waits for the
	// ready acknowledgement. ctx bounds the whole handshake.
	Connect(ctx context.Context, req InitRequest) (SessionHandle, error)
}
