package voice

// gate decides which captured frames are transmitted. It is open exactly
// when the input is not muted and either VAD mode reports speech or PTT mode
// has the key held.
type gate struct {
	holding bool // PTT key held
	speech  bool // VAD reports speech
	open    bool

	// preroll keeps the last few frames before the VAD fired so the start of
	// the utterance is not clipped. VAD mode only.
	preroll    []prerollFrame
	prerollCap int

	// Current utterance.
	sent   int
	voiced bool
}

type prerollFrame struct {
	data   []byte
	voiced bool
}

func (g *gate) want(muted, ptt bool) bool {
	if muted {
		return false
	}
	if ptt {
		return g.holding
	}
	return g.speech
}

func (g *gate) push(data []byte, voiced bool) {
	if g.prerollCap <= 0 {
		return
	}
	if len(g.preroll) == g.prerollCap {
		copy(g.preroll, g.preroll[1:])
		g.preroll = g.preroll[:len(g.preroll)-1]
	}
	g.preroll = append(g.preroll, prerollFrame{data: data, voiced: voiced})
}

func (g *gate) drainPreroll() []prerollFrame {
	out := g.preroll
	g.preroll = nil
	return out
}

// reset forgets every transient input. The mode flags live on the machine.
func (g *gate) reset() {
	g.holding = false
	g.speech = false
	g.open = false
	g.preroll = nil
	g.sent = 0
	g.voiced = false
}

// ── Edges ────────────────────────────────────────────────────────────────────

// updateGate re-evaluates the gate and applies the open or close edge.
func (m *machine) updateGate() {
	want := m.gate.want(m.muted, m.ptt) && m.state.Connected()
	if want == m.gate.open {
		return
	}
	m.gate.open = want
	if want {
		m.gateOpened()
	} else {
		m.gateClosed()
	}
}

// gateOpened starts a user utterance. Speaking over the bot interrupts it.
func (m *machine) gateOpened() {
	m.gate.sent = 0
	m.gate.voiced = false
	if !m.ptt {
		for _, f := range m.gate.drainPreroll() {
			m.sendFrame(f.data, f.voiced)
		}
	}
	if m.err != nil && !m.err.Fatal {
		m.err = nil
		m.dirty = true
	}

	switch m.state {
	case StateSpeaking, StateThinking:
		m.interrupt()
	case StateIdle, StateTranscribing:
		m.setState(StateListening)
	}
}

// gateClosed ends the utterance: voiced audio is committed for
// transcription, anything else is thrown away upstream.
func (m *machine) gateClosed() {
	sent, voiced := m.gate.sent, m.gate.voiced
	m.gate.sent = 0
	m.gate.voiced = false

	if voiced {
		m.emit(effect{kind: effCommitAudio})
		if m.state == StateListening {
			m.setState(StateTranscribing)
		}
		return
	}
	if sent > 0 {
		m.emit(effect{kind: effClearAudio})
	}
	if m.state == StateListening {
		m.setState(StateIdle)
	}
}

func (m *machine) sendFrame(data []byte, voiced bool) {
	m.emit(effect{kind: effSendAudio, data: data})
	m.gate.sent++
	if voiced {
		m.gate.voiced = true
	}
}
