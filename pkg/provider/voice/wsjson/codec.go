package wsjson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/botcall/pkg/provider/voice"
)

// ── Outbound messages ────────────────────────────────────────────────────────

type initMessage struct {
	Type            string            `json:"type"`
	BotID           string            `json:"bot_id"`
	ChatID          *string           `json:"chat_id"`
	Config          voice.BotConfig   `json:"config"`
	Audio           voice.AudioFormat `json:"audio"`
	Resume          bool              `json:"resume,omitempty"`
	TranscriptCount int               `json:"transcript_count,omitempty"`
}

type appendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16
}

type cancelMessage struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
}

type bareMessage struct {
	Type string `json:"type"`
}

func newInitMessage(req voice.InitRequest) initMessage {
	return initMessage{
		Type:            "session.init",
		BotID:           req.BotID,
		ChatID:          req.ChatID,
		Config:          req.Config,
		Audio:           req.Audio,
		Resume:          req.Resume,
		TranscriptCount: req.TranscriptCount,
	}
}

// ── Inbound messages ─────────────────────────────────────────────────────────

type serverMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Role      string `json:"role,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	Seq       int    `json:"seq,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Tool      string `json:"tool,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

// decode translates one inbound text frame into an event. ok is false for
// frames that carry nothing the controller acts on.
func decode(data []byte) (ev voice.Event, ok bool, err error) {
	var m serverMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return voice.Event{}, false, fmt.Errorf("wsjson: decode: %w", err)
	}

	switch m.Type {
	case "session.ready":
		return voice.Event{Type: voice.EventReady, SessionID: m.SessionID}, true, nil

	case "state":
		return decodeStateHint(m)

	case "speech.started":
		return voice.Event{Type: voice.EventSpeechStarted}, true, nil

	case "speech.stopped":
		return voice.Event{Type: voice.EventSpeechStopped}, true, nil

	case "response.started":
		return voice.Event{Type: voice.EventResponseStarted, TurnID: m.TurnID}, true, nil

	case "transcript.delta", "transcript.final":
		role, err := parseRole(m.Role)
		if err != nil {
			return voice.Event{}, false, err
		}
		if m.ItemID == "" {
			return voice.Event{}, false, fmt.Errorf("wsjson: %s without item_id", m.Type)
		}
		typ := voice.EventTranscriptDelta
		if m.Type == "transcript.final" {
			typ = voice.EventTranscriptFinal
		}
		return voice.Event{Type: typ, Role: role, ItemID: m.ItemID, Seq: m.Seq, TurnID: m.TurnID, Text: m.Text}, true, nil

	case "thinking.delta":
		if m.Text == "" {
			return voice.Event{}, false, nil
		}
		return voice.Event{Type: voice.EventThinkingDelta, TurnID: m.TurnID, Text: m.Text}, true, nil

	case "response.audio":
		pcm, err := base64.StdEncoding.DecodeString(m.Audio)
		if err != nil {
			return voice.Event{}, false, fmt.Errorf("wsjson: response.audio: %w", err)
		}
		if len(pcm) == 0 {
			return voice.Event{}, false, nil
		}
		return voice.Event{Type: voice.EventAudio, TurnID: m.TurnID, Seq: m.Seq, Audio: pcm}, true, nil

	case "response.done":
		return voice.Event{Type: voice.EventResponseDone, TurnID: m.TurnID}, true, nil

	case "tool.started", "tool.finished":
		if m.Tool == "" {
			return voice.Event{}, false, fmt.Errorf("wsjson: %s without tool", m.Type)
		}
		typ := voice.EventToolStarted
		if m.Type == "tool.finished" {
			typ = voice.EventToolFinished
		}
		return voice.Event{Type: typ, Tool: m.Tool, CallID: m.CallID, TurnID: m.TurnID}, true, nil

	case "error":
		msg := m.Message
		if msg == "" {
			msg = "unknown error"
		}
		return voice.Event{
			Type: voice.EventError,
			Err:  &voice.BackendError{Code: m.Code, Message: msg, Fatal: m.Fatal},
		}, true, nil
	}
	return voice.Event{}, false, nil
}

// decodeStateHint maps the backend's advisory state onto the typed events the
// controller understands.
func decodeStateHint(m serverMessage) (voice.Event, bool, error) {
	switch m.State {
	case "listening":
		return voice.Event{Type: voice.EventSpeechStarted}, true, nil
	case "transcribing":
		return voice.Event{Type: voice.EventSpeechStopped}, true, nil
	case "thinking":
		return voice.Event{Type: voice.EventResponseStarted, TurnID: m.TurnID}, true, nil
	}
	return voice.Event{}, false, nil
}

func parseRole(s string) (voice.Role, error) {
	switch s {
	case "user":
		return voice.RoleUser, nil
	case "bot", "assistant":
		return voice.RoleBot, nil
	}
	return "", fmt.Errorf("wsjson: unknown transcript role %q", s)
}
