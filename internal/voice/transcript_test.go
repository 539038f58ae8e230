package voice

import (
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/botcall/pkg/provider/voice"
)

func newTestAssembler() *assembler {
	n := 0
	return newAssembler(func() string {
		n++
		return fmt.Sprintf("e%d", n)
	}, func() time.Time { return testEpoch })
}

func delta(role voice.Role, item string, seq int, text string) voice.Event {
	return voice.Event{Type: voice.EventTranscriptDelta, Role: role, ItemID: item, Seq: seq, Text: text}
}

func final(role voice.Role, item string, seq int, text string) voice.Event {
	return voice.Event{Type: voice.EventTranscriptFinal, Role: role, ItemID: item, Seq: seq, Text: text}
}

func texts(entries []TranscriptEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Role) + ":" + e.Text
	}
	return out
}

func TestAssembler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		events       []voice.Event
		wantHistory  []string
		wantPartials []string
	}{
		{
			name:        "deltas then final with text",
			events:      []voice.Event{delta(voice.RoleUser, "u1", 1, "hel"), delta(voice.RoleUser, "u1", 2, "lo"), final(voice.RoleUser, "u1", 3, "Hello.")},
			wantHistory: []string{"user:Hello."},
		},
		{
			name:        "final without text keeps accumulated deltas",
			events:      []voice.Event{delta(voice.RoleBot, "b1", 0, "Sure, "), delta(voice.RoleBot, "b1", 0, "done"), final(voice.RoleBot, "b1", 0, "")},
			wantHistory: []string{"bot:Sure, done"},
		},
		{
			name:         "duplicate and stale deltas are dropped",
			events:       []voice.Event{delta(voice.RoleUser, "u1", 1, "a"), delta(voice.RoleUser, "u1", 1, "a"), delta(voice.RoleUser, "u1", 3, "c"), delta(voice.RoleUser, "u1", 2, "b")},
			wantPartials: []string{"user:ac"},
		},
		{
			name:        "stale final is dropped",
			events:      []voice.Event{delta(voice.RoleUser, "u1", 5, "new"), final(voice.RoleUser, "u1", 4, "old"), final(voice.RoleUser, "u1", 6, "newer")},
			wantHistory: []string{"user:newer"},
		},
		{
			name:        "final alone creates an entry",
			events:      []voice.Event{final(voice.RoleBot, "b1", 0, "Hi there")},
			wantHistory: []string{"bot:Hi there"},
		},
		{
			name:        "empty item produces no entry",
			events:      []voice.Event{delta(voice.RoleUser, "u1", 0, ""), final(voice.RoleUser, "u1", 0, "")},
			wantHistory: []string{},
		},
		{
			name:         "roles interleave independently",
			events:       []voice.Event{delta(voice.RoleBot, "b1", 0, "Let me"), delta(voice.RoleUser, "u2", 0, "wait"), delta(voice.RoleBot, "b1", 0, " see")},
			wantPartials: []string{"user:wait", "bot:Let me see"},
		},
		{
			name:         "new item seals the previous one",
			events:       []voice.Event{delta(voice.RoleUser, "u1", 0, "first"), delta(voice.RoleUser, "u2", 0, "second")},
			wantHistory:  []string{"user:first"},
			wantPartials: []string{"user:second"},
		},
		{
			name:        "events after final are ignored",
			events:      []voice.Event{final(voice.RoleUser, "u1", 0, "done"), delta(voice.RoleUser, "u1", 9, " more"), final(voice.RoleUser, "u1", 10, "redo")},
			wantHistory: []string{"user:done"},
		},
		{
			name:   "invalid events are ignored",
			events: []voice.Event{delta("system", "x", 0, "?"), delta(voice.RoleUser, "", 0, "?")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAssembler()
			for _, ev := range tt.events {
				a.apply(ev)
			}
			history, partials := a.snapshot()
			if got := texts(history); fmt.Sprint(got) != fmt.Sprint(nonNil(tt.wantHistory)) {
				t.Errorf("history = %q, want %q", got, tt.wantHistory)
			}
			if got := texts(partials); fmt.Sprint(got) != fmt.Sprint(nonNil(tt.wantPartials)) {
				t.Errorf("partials = %q, want %q", got, tt.wantPartials)
			}
		})
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func TestAssembler_SealedEntriesAreStable(t *testing.T) {
	t.Parallel()

	a := newTestAssembler()
	a.apply(delta(voice.RoleUser, "u1", 0, "hi"))
	sealed, changed := a.apply(final(voice.RoleUser, "u1", 0, "Hi!"))
	if !changed || len(sealed) != 1 {
		t.Fatalf("apply final = %v, %v", sealed, changed)
	}
	first := sealed[0]
	if first.ID != "e1" || !first.Timestamp.Equal(testEpoch) {
		t.Errorf("entry = %+v, want id e1 stamped at creation", first)
	}

	history, _ := a.snapshot()
	history[0].Text = "tampered"

	a.apply(delta(voice.RoleBot, "b1", 0, "Hello"))
	a.apply(final(voice.RoleBot, "b1", 0, ""))
	history, _ = a.snapshot()
	if len(history) != 2 || history[0] != first {
		t.Fatalf("history = %+v, first entry changed", history)
	}
	if history[1].ID == first.ID {
		t.Error("entry ids must be unique")
	}
}

func TestAssembler_ClearBlocksInFlightItems(t *testing.T) {
	t.Parallel()

	a := newTestAssembler()
	a.apply(final(voice.RoleUser, "u1", 0, "one"))
	a.apply(delta(voice.RoleBot, "b1", 0, "half"))
	a.clear()

	if a.count() != 0 {
		t.Fatalf("count after clear = %d", a.count())
	}
	if _, changed := a.apply(final(voice.RoleBot, "b1", 0, "half done")); changed {
		t.Error("cleared item produced a change")
	}
	a.apply(final(voice.RoleBot, "b2", 0, "fresh"))
	if h, _ := a.snapshot(); len(h) != 1 || h[0].Text != "fresh" {
		t.Errorf("history = %+v", h)
	}
}

func TestAssembler_DiscardPartialsAllowsResume(t *testing.T) {
	t.Parallel()

	a := newTestAssembler()
	a.apply(delta(voice.RoleUser, "u1", 1, "par"))
	if !a.discardPartials() {
		t.Fatal("discardPartials reported nothing discarded")
	}
	if a.discardPartials() {
		t.Error("second discardPartials should report false")
	}
	a.apply(final(voice.RoleUser, "u1", 2, "partial sentence"))
	if h, _ := a.snapshot(); len(h) != 1 || h[0].Text != "partial sentence" {
		t.Errorf("history = %+v", h)
	}
}
