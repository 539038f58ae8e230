package voice

// View is an immutable snapshot of the controller, handed to the UI layer.
// Slices are copies; callers may keep them.
type View struct {
	State      State `json:"state"`
	Muted      bool  `json:"muted"`
	PushToTalk bool  `json:"push_to_talk"`
	HoldingPTT bool  `json:"holding_ptt"`

	// Transcripts is the finalized history in arrival order.
	Transcripts []TranscriptEntry `json:"transcripts"`

	// Partials are the in-progress entries, at most one per role.
	Partials []TranscriptEntry `json:"partials,omitempty"`

	// CurrentThinking is the streamed reasoning of the current turn, empty
	// when there is none.
	CurrentThinking string `json:"current_thinking,omitempty"`

	// ActiveToolCalls lists unfinished calls, oldest first. ToolCalls also
	// holds calls that finished during the current turn.
	ActiveToolCalls []ToolCallRecord `json:"active_tool_calls"`
	ToolCalls       []ToolCallRecord `json:"tool_calls,omitempty"`

	Error      *SessionError `json:"error,omitempty"`
	AudioLevel float64       `json:"audio_level"`

	SessionID        string `json:"session_id,omitempty"`
	ReconnectAttempt int    `json:"reconnect_attempt,omitempty"`
}

// LatestToolCall returns the most recently started active call, the one a UI
// shows as "Using X…".
func (v View) LatestToolCall() (ToolCallRecord, bool) {
	if n := len(v.ActiveToolCalls); n > 0 {
		return v.ActiveToolCalls[n-1], true
	}
	return ToolCallRecord{}, false
}

func (m *machine) view() View {
	history, partials := m.asm.snapshot()
	v := View{
		State:            m.state,
		Muted:            m.muted,
		PushToTalk:       m.ptt,
		HoldingPTT:       m.gate.holding,
		Transcripts:      history,
		Partials:         partials,
		CurrentThinking:  m.thinking,
		ActiveToolCalls:  m.tools.active(),
		ToolCalls:        m.tools.all(),
		AudioLevel:       m.level,
		SessionID:        m.sessionID,
		ReconnectAttempt: m.attempt,
	}
	if m.err != nil {
		e := *m.err
		v.Error = &e
	}
	return v
}
