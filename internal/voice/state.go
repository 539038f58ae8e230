package voice

// State is the single active state of a voice session.
type State uint8

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected State = iota
	// StateConnecting covers the handshake and every reconnect.
	StateConnecting
	// StateIdle is connected with nobody speaking.
	StateIdle
	// StateListening means the user's audio is being transmitted.
	StateListening
	// StateTranscribing waits for the backend to finish recognising the
	// user's utterance.
	StateTranscribing
	// StateThinking waits for the bot's response.
	StateThinking
	// StateSpeaking plays the bot's response.
	StateSpeaking
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateIdle:         "idle",
	StateListening:    "listening",
	StateTranscribing: "transcribing",
	StateThinking:     "thinking",
	StateSpeaking:     "speaking",
}

// String returns the lower-case state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Connected reports whether a backend session is established.
func (s State) Connected() bool { return s >= StateIdle && s <= StateSpeaking }

// transitions lists the allowed targets for each state. Every state may fall
// back to disconnected, and every connected state may drop to connecting
// while the transport is re-established.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateIdle, StateDisconnected},
	StateIdle:         {StateListening, StateThinking, StateConnecting, StateDisconnected},
	StateListening:    {StateTranscribing, StateIdle, StateThinking, StateConnecting, StateDisconnected},
	StateTranscribing: {StateThinking, StateListening, StateIdle, StateConnecting, StateDisconnected},
	StateThinking:     {StateSpeaking, StateIdle, StateListening, StateConnecting, StateDisconnected},
	StateSpeaking:     {StateIdle, StateListening, StateConnecting, StateDisconnected},
}

// canTransition reports whether from → to is a legal edge.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
