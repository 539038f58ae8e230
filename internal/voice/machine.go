package voice

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/botcall/pkg/provider/voice"
)

// ── Events ───────────────────────────────────────────────────────────────────

// event is the input of [machine.dispatch]. Every user operation, captured
// frame, backend message and pipeline notification is one event.
type event interface{ eventName() string }

type (
	evConnectStarted struct{}
	evConnected      struct{ sessionID string }
	evConnectFailed  struct{ err error }

	// evFrame is one captured frame, already run through the level meter and
	// the VAD.
	evFrame struct {
		data   []byte
		level  float64
		speech bool
	}

	evMuteToggled      struct{}
	evInterrupt        struct{}
	evPTTStart         struct{}
	evPTTStop          struct{}
	evPTTModeToggled   struct{}
	evClearTranscripts struct{}

	evBackend struct{ ev voice.Event }

	evPlaybackDone    struct{ turnID string }
	evPlaybackError   struct{ err error }
	evPlaybackStopped struct{}

	evTransportDropped   struct{ err error }
	evReconnecting       struct{ attempt int }
	evReconnected        struct{ sessionID string }
	evReconnectExhausted struct{ err error }

	// evDisconnect ends the session. err is nil for a user disconnect.
	evDisconnect struct{ err *SessionError }
)

func (evConnectStarted) eventName() string     { return "connect_started" }
func (evConnected) eventName() string          { return "connected" }
func (evConnectFailed) eventName() string      { return "connect_failed" }
func (evFrame) eventName() string              { return "frame" }
func (evMuteToggled) eventName() string        { return "mute_toggled" }
func (evInterrupt) eventName() string          { return "interrupt" }
func (evPTTStart) eventName() string           { return "ptt_start" }
func (evPTTStop) eventName() string            { return "ptt_stop" }
func (evPTTModeToggled) eventName() string     { return "ptt_mode_toggled" }
func (evClearTranscripts) eventName() string   { return "clear_transcripts" }
func (e evBackend) eventName() string          { return "backend:" + string(e.ev.Type) }
func (evPlaybackDone) eventName() string       { return "playback_done" }
func (evPlaybackError) eventName() string      { return "playback_error" }
func (evPlaybackStopped) eventName() string    { return "playback_stopped" }
func (evTransportDropped) eventName() string   { return "transport_dropped" }
func (evReconnecting) eventName() string       { return "reconnecting" }
func (evReconnected) eventName() string        { return "reconnected" }
func (evReconnectExhausted) eventName() string { return "reconnect_exhausted" }
func (evDisconnect) eventName() string         { return "disconnect" }

// ── Effects ──────────────────────────────────────────────────────────────────

type effectKind uint8

const (
	effSendAudio effectKind = iota
	effCommitAudio
	effClearAudio
	effSendInterrupt
	effPlayAudio
	effEndPlaybackTurn
	effStopPlayback
	effResetVAD
	effBindPTT
	effUnbindPTT
	effTeardown
)

var effectNames = [...]string{
	effSendAudio:       "send_audio",
	effCommitAudio:     "commit_audio",
	effClearAudio:      "clear_audio",
	effSendInterrupt:   "send_interrupt",
	effPlayAudio:       "play_audio",
	effEndPlaybackTurn: "end_playback_turn",
	effStopPlayback:    "stop_playback",
	effResetVAD:        "reset_vad",
	effBindPTT:         "bind_ptt",
	effUnbindPTT:       "unbind_ptt",
	effTeardown:        "teardown",
}

func (k effectKind) String() string {
	if int(k) < len(effectNames) {
		return effectNames[k]
	}
	return fmt.Sprintf("effect(%d)", k)
}

// effect is a side effect requested by the machine. The controller executes
// effects in order without blocking.
type effect struct {
	kind   effectKind
	data   []byte
	turnID string
}

// outcome is everything one dispatch produced.
type outcome struct {
	effects     []effect
	transitions [][2]State
	sealed      []TranscriptEntry
	toolsDone   []toolDone

	// interrupted is set when playback was stopped by an interrupt or a
	// barge-in; stopped when the player reported the stop took effect.
	interrupted bool
	stopped     bool

	backendErr  *voice.BackendError
	playbackErr error

	// published is set when the view changed.
	published bool
}

type toolDone struct {
	tool     string
	duration time.Duration
}

// ── Machine ──────────────────────────────────────────────────────────────────

const (
	// DefaultVoicedLevel is the smoothed level above which a frame counts as
	// voiced. A gated utterance with no voiced frame is discarded.
	DefaultVoicedLevel = 0.01

	// DefaultPrerollFrames is how many frames before a VAD trigger are sent
	// with the utterance.
	DefaultPrerollFrames = 5

	// levelEpsilon is the smallest level change that republishes the view.
	levelEpsilon = 0.005
)

type machineConfig struct {
	voicedLevel   float64
	prerollFrames int
	newID         func() string
	now           func() time.Time
}

// turnState is the bot turn currently in flight.
type turnState struct {
	id           string
	responseDone bool
	audio        bool // audio was handed to playback
}

// machine is the voice state machine. It owns every piece of session state
// and is driven exclusively through dispatch. It performs no I/O and is not
// safe for concurrent use.
type machine struct {
	cfg machineConfig

	state State
	muted bool
	ptt   bool
	gate  gate

	asm   *assembler
	tools *tracker

	thinking string
	turn     turnState
	turnSeq  int

	// interrupted holds turn ids whose late events are dropped. suppress
	// drops untagged bot audio and transcripts after an interrupt until the
	// next response starts.
	interrupted map[string]struct{}
	suppress    bool

	err       *SessionError
	level     float64
	sessionID string
	attempt   int

	out   outcome
	dirty bool
}

func newMachine(cfg machineConfig) *machine {
	if cfg.voicedLevel <= 0 {
		cfg.voicedLevel = DefaultVoicedLevel
	}
	if cfg.prerollFrames < 0 {
		cfg.prerollFrames = 0
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	m := &machine{
		cfg:         cfg,
		asm:         newAssembler(cfg.newID, cfg.now),
		tools:       newTracker(cfg.now),
		interrupted: make(map[string]struct{}),
	}
	m.gate.prerollCap = cfg.prerollFrames
	return m
}

// dispatch applies ev atomically and returns what it produced.
func (m *machine) dispatch(ev event) outcome {
	m.out = outcome{}
	m.dirty = false

	switch e := ev.(type) {
	case evConnectStarted:
		m.resetSession()
		m.err = nil
		m.setState(StateConnecting)
	case evConnected:
		if m.state != StateConnecting {
			break
		}
		m.sessionID = e.sessionID
		m.setState(StateIdle)
		if m.ptt {
			m.emit(effect{kind: effBindPTT})
		}
	case evConnectFailed:
		m.shutdown(&SessionError{Kind: classifyConnectError(e.err), Fatal: true, Err: e.err})

	case evFrame:
		m.onFrame(e)
	case evMuteToggled:
		m.muted = !m.muted
		m.dirty = true
		if m.muted {
			m.gate.preroll = nil
		}
		m.updateGate()
	case evInterrupt:
		if m.state == StateSpeaking || m.state == StateThinking {
			m.interrupt()
		}
	case evPTTStart:
		if !m.ptt || !m.state.Connected() || m.gate.holding {
			break
		}
		m.gate.holding = true
		m.dirty = true
		m.updateGate()
	case evPTTStop:
		if !m.gate.holding {
			break
		}
		m.gate.holding = false
		m.dirty = true
		m.updateGate()
	case evPTTModeToggled:
		m.togglePTTMode()
	case evClearTranscripts:
		m.asm.clear()
		m.dirty = true

	case evBackend:
		m.onBackend(e.ev)

	case evPlaybackDone:
		if e.turnID != m.turn.id || !m.turn.responseDone {
			break
		}
		if m.state == StateSpeaking {
			m.turn = turnState{}
			m.setState(StateIdle)
		}
	case evPlaybackError:
		m.out.playbackErr = e.err
		if m.state.Connected() {
			m.err = &SessionError{Kind: KindPlaybackFailed, Err: e.err}
			m.dirty = true
		}
	case evPlaybackStopped:
		m.out.stopped = true

	case evTransportDropped:
		m.transportDropped(e.err)
	case evReconnecting:
		if m.state != StateConnecting {
			break
		}
		m.attempt = e.attempt
		m.dirty = true
	case evReconnected:
		if m.state != StateConnecting {
			break
		}
		m.attempt = 0
		m.sessionID = e.sessionID
		if m.err != nil && m.err.Kind == KindTransportDropped {
			m.err = nil
		}
		m.setState(StateIdle)
	case evReconnectExhausted:
		if m.state == StateDisconnected {
			break
		}
		m.shutdown(&SessionError{Kind: KindReconnectExhausted, Fatal: true, Err: e.err})
	case evDisconnect:
		m.shutdown(e.err)
	}

	m.out.published = m.dirty
	return m.out
}

func (m *machine) emit(e effect) { m.out.effects = append(m.out.effects, e) }

// setState moves to s if the edge is legal. Entering idle settles the turn.
func (m *machine) setState(s State) bool {
	if s == m.state {
		return true
	}
	if !canTransition(m.state, s) {
		return false
	}
	m.out.transitions = append(m.out.transitions, [2]State{m.state, s})
	m.state = s
	m.dirty = true
	if s == StateIdle {
		m.thinking = ""
		m.tools.pruneFinished()
	}
	return true
}

// ── Input ────────────────────────────────────────────────────────────────────

func (m *machine) onFrame(e evFrame) {
	if math.Abs(e.level-m.level) >= levelEpsilon || (e.level == 0) != (m.level == 0) {
		m.dirty = true
	}
	m.level = e.level
	if !m.state.Connected() {
		return
	}

	voiced := e.level >= m.cfg.voicedLevel
	if !m.ptt && m.gate.speech != e.speech {
		m.gate.speech = e.speech
		m.updateGate()
	}
	switch {
	case m.gate.open:
		m.sendFrame(e.data, voiced)
	case !m.ptt && !m.muted:
		m.gate.push(e.data, voiced)
	}
}

func (m *machine) togglePTTMode() {
	m.ptt = !m.ptt
	m.dirty = true
	m.gate.holding = false
	m.gate.speech = false
	m.gate.preroll = nil
	m.updateGate()

	m.emit(effect{kind: effResetVAD})
	if m.state != StateDisconnected {
		if m.ptt {
			m.emit(effect{kind: effBindPTT})
		} else {
			m.emit(effect{kind: effUnbindPTT})
		}
	}
}

// interrupt stops the bot turn in flight. The machine lands in listening when
// the user is already talking, idle otherwise.
func (m *machine) interrupt() {
	id := m.turn.id
	m.emit(effect{kind: effStopPlayback})
	m.emit(effect{kind: effSendInterrupt, turnID: id})
	m.out.interrupted = true

	if id != "" {
		m.interrupted[id] = struct{}{}
		m.tools.dropTurn(id)
	}
	m.suppress = true
	if e, ok := m.asm.seal(voice.RoleBot); ok {
		m.out.sealed = append(m.out.sealed, e)
	}
	m.thinking = ""
	m.turn = turnState{}
	m.dirty = true

	if m.gate.open {
		m.setState(StateListening)
	} else {
		m.setState(StateIdle)
	}
}

// ── Backend ──────────────────────────────────────────────────────────────────

func (m *machine) onBackend(ev voice.Event) {
	if !m.state.Connected() {
		return
	}
	switch ev.Type {
	case voice.EventReady:
		if ev.SessionID != "" && ev.SessionID != m.sessionID {
			m.sessionID = ev.SessionID
			m.dirty = true
		}

	case voice.EventSpeechStarted:
		switch m.state {
		case StateIdle:
			m.setState(StateListening)
		case StateSpeaking, StateThinking:
			if !m.ptt {
				m.interrupt()
				m.setState(StateListening)
			}
		}
	case voice.EventSpeechStopped:
		if m.state == StateListening && !m.gate.open {
			m.setState(StateTranscribing)
		}

	case voice.EventTranscriptDelta, voice.EventTranscriptFinal:
		if ev.Role == voice.RoleBot && m.dropLate(ev.TurnID) {
			return
		}
		sealed, changed := m.asm.apply(ev)
		m.out.sealed = append(m.out.sealed, sealed...)
		if changed {
			m.dirty = true
		}

	case voice.EventResponseStarted:
		if m.isInterrupted(ev.TurnID) {
			return
		}
		id := ev.TurnID
		if id == "" {
			m.turnSeq++
			id = fmt.Sprintf("turn-%d", m.turnSeq)
		}
		m.suppress = false
		m.turn = turnState{id: id}
		m.thinking = ""
		m.dirty = true
		if !m.gate.open {
			m.setState(StateThinking)
		}

	case voice.EventThinkingDelta:
		if m.dropLate(ev.TurnID) {
			return
		}
		m.thinking += ev.Text
		m.dirty = true
		if m.state == StateIdle || m.state == StateTranscribing {
			m.setState(StateThinking)
		}

	case voice.EventAudio:
		m.onAudio(ev)

	case voice.EventResponseDone:
		if m.isInterrupted(ev.TurnID) {
			return
		}
		if ev.TurnID != "" && m.turn.id != "" && ev.TurnID != m.turn.id {
			return
		}
		m.turn.responseDone = true
		if m.turn.audio {
			m.emit(effect{kind: effEndPlaybackTurn, turnID: m.turn.id})
			return
		}
		switch m.state {
		case StateThinking, StateTranscribing, StateSpeaking:
			m.turn = turnState{}
			m.setState(StateIdle)
		}

	case voice.EventToolStarted:
		if m.dropLate(ev.TurnID) {
			return
		}
		turnID := ev.TurnID
		if turnID == "" {
			turnID = m.turn.id
		}
		m.tools.start(ev.CallID, ev.Tool, turnID)
		m.dirty = true
		if m.state == StateIdle || m.state == StateTranscribing {
			m.setState(StateThinking)
		}
	case voice.EventToolFinished:
		if d, ok := m.tools.finish(ev.CallID, ev.Tool); ok {
			m.out.toolsDone = append(m.out.toolsDone, toolDone{tool: ev.Tool, duration: d})
			m.dirty = true
		}

	case voice.EventError:
		if ev.Err == nil {
			return
		}
		m.out.backendErr = ev.Err
		if ev.Err.Fatal {
			m.shutdown(&SessionError{Kind: KindBackend, Fatal: true, Err: ev.Err})
			return
		}
		m.err = &SessionError{Kind: KindBackend, Err: ev.Err}
		m.dirty = true
	}
}

func (m *machine) onAudio(ev voice.Event) {
	if len(ev.Audio) == 0 || m.dropLate(ev.TurnID) || m.state == StateListening {
		return
	}
	if ev.TurnID != "" && ev.TurnID != m.turn.id {
		// Audio for a turn we never saw start.
		m.suppress = false
		m.turn = turnState{id: ev.TurnID}
	}
	if m.turn.id == "" {
		m.turnSeq++
		m.turn.id = fmt.Sprintf("turn-%d", m.turnSeq)
	}
	m.turn.audio = true
	m.emit(effect{kind: effPlayAudio, turnID: m.turn.id, data: ev.Audio})
	if m.state == StateIdle || m.state == StateTranscribing {
		m.setState(StateThinking)
	}
	m.setState(StateSpeaking)
}

func (m *machine) isInterrupted(turnID string) bool {
	if turnID == "" {
		return false
	}
	_, ok := m.interrupted[turnID]
	return ok
}

// dropLate reports whether a bot event belongs to an interrupted turn.
func (m *machine) dropLate(turnID string) bool {
	if turnID == "" {
		return m.suppress
	}
	return m.isInterrupted(turnID)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (m *machine) transportDropped(err error) {
	if !m.state.Connected() {
		return
	}
	m.setState(StateConnecting)
	m.gate.reset()
	m.emit(effect{kind: effStopPlayback})
	m.emit(effect{kind: effResetVAD})

	m.asm.discardPartials()
	m.tools.reset()
	m.thinking = ""
	m.turn = turnState{}
	clear(m.interrupted)
	m.suppress = false
	m.attempt = 0
	m.err = &SessionError{Kind: KindTransportDropped, Err: err}
	m.dirty = true
}

// shutdown moves to disconnected and discards the session's data. Mute and
// the input mode are user preferences and survive. A disconnect while already
// disconnected keeps the error of the failed call; the next connect clears it.
func (m *machine) shutdown(err *SessionError) {
	if m.state == StateDisconnected && err == nil {
		return
	}
	wasActive := m.state != StateDisconnected
	m.setState(StateDisconnected)
	if wasActive {
		if m.ptt {
			m.emit(effect{kind: effUnbindPTT})
		}
		m.emit(effect{kind: effTeardown})
	}
	m.resetSession()
	m.err = err
	m.dirty = true
}

func (m *machine) resetSession() {
	m.gate.reset()
	m.asm.reset()
	m.tools.reset()
	m.thinking = ""
	m.turn = turnState{}
	m.turnSeq = 0
	clear(m.interrupted)
	m.suppress = false
	m.level = 0
	m.sessionID = ""
	m.attempt = 0
	m.dirty = true
}
