package voice

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingBotID is returned by Connect when botID is empty.
	ErrMissingBotID = errors.New("voice: bot id is required")

	// ErrMissingConfig is returned by Connect when no session config is given.
	ErrMissingConfig = errors.New("voice: session config is required")

	// ErrMicrophoneUnavailable wraps capture failures, including denied
	// permission.
	ErrMicrophoneUnavailable = errors.New("voice: microphone unavailable")

	// ErrConnectTimeout is returned when the handshake does not complete
	// within the connect timeout.
	ErrConnectTimeout = errors.New("voice: connect timed out")

	// ErrTransportDropped marks an unexpected end of the backend stream.
	ErrTransportDropped = errors.New("voice: transport dropped")

	// ErrReconnectExhausted is surfaced after every reconnect attempt failed.
	ErrReconnectExhausted = errors.New("voice: reconnect attempts exhausted")

	// ErrDisconnected is returned by Connect when Disconnect was called while
	// the connect was still in flight.
	ErrDisconnected = errors.New("voice: disconnected during connect")
)

// ErrorKind classifies a [SessionError].
type ErrorKind string

const (
	KindMicrophoneDenied   ErrorKind = "microphone_denied"
	KindConnectTimeout     ErrorKind = "connect_timeout"
	KindTransportDropped   ErrorKind = "transport_dropped"
	KindReconnectExhausted ErrorKind = "reconnect_exhausted"
	KindPlaybackFailed     ErrorKind = "playback_failed"
	KindBackend            ErrorKind = "backend"
)

// SessionError is the error surfaced in [View.Error].
type SessionError struct {
	Kind ErrorKind

	// Fatal errors ended the session. Non-fatal ones are informational and
	// the session keeps running or is healing itself.
	Fatal bool

	Err error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("voice: %s", e.Kind)
	}
	return fmt.Sprintf("voice: %s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// MarshalJSON renders the error for the status endpoint.
func (e *SessionError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Kind    ErrorKind `json:"kind"`
		Fatal   bool      `json:"fatal"`
		Message string    `json:"message,omitempty"`
	}{e.Kind, e.Fatal, msg})
}

// classifyConnectError maps a failed connect onto its error kind.
func classifyConnectError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrMicrophoneUnavailable):
		return KindMicrophoneDenied
	case errors.Is(err, ErrConnectTimeout):
		return KindConnectTimeout
	default:
		return KindBackend
	}
}
