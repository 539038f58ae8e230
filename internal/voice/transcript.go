package voice

import (
	"time"

	"github.com/MrWong99/botcall/pkg/provider/voice"
)

// TranscriptEntry is one turn of recognised or generated speech. Sealed
// entries are never modified.
type TranscriptEntry struct {
	ID        string     `json:"id"`
	Role      voice.Role `json:"role"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
}

// partial is the in-progress entry of one role.
type partial struct {
	itemID string
	seq    int
	entry  TranscriptEntry
}

type itemKey struct {
	role voice.Role
	item string
}

// assembler merges transcript deltas and finals into an append-only history.
// It is not safe for concurrent use; the controller serialises access.
type assembler struct {
	newID func() string
	now   func() time.Time

	history []TranscriptEntry
	open    map[voice.Role]*partial

	// sealed and cleared items never produce another entry.
	sealed  map[itemKey]struct{}
	cleared map[itemKey]struct{}
}

func newAssembler(newID func() string, now func() time.Time) *assembler {
	a := &assembler{newID: newID, now: now}
	a.reset()
	return a
}

// apply consumes one transcript event. It returns the entries sealed as a
// result (zero, one or two) and whether anything visible changed.
func (a *assembler) apply(ev voice.Event) (sealed []TranscriptEntry, changed bool) {
	if !ev.Role.Valid() || ev.ItemID == "" {
		return nil, false
	}
	key := itemKey{ev.Role, ev.ItemID}
	if _, ok := a.sealed[key]; ok {
		return nil, false
	}
	if _, ok := a.cleared[key]; ok {
		return nil, false
	}

	p := a.open[ev.Role]
	if p != nil && p.itemID != ev.ItemID {
		// A new item for this role implies the previous one is done.
		if e, ok := a.seal(ev.Role); ok {
			sealed = append(sealed, e)
		}
		changed = true
		p = nil
	}

	switch ev.Type {
	case voice.EventTranscriptDelta:
		if p == nil {
			p = &partial{
				itemID: ev.ItemID,
				entry:  TranscriptEntry{ID: a.newID(), Role: ev.Role, Timestamp: a.now()},
			}
			a.open[ev.Role] = p
		} else if ev.Seq != 0 && ev.Seq <= p.seq {
			return sealed, changed
		}
		if ev.Seq != 0 {
			p.seq = ev.Seq
		}
		p.entry.Text += ev.Text
		return sealed, true

	case voice.EventTranscriptFinal:
		if p != nil && ev.Seq != 0 && ev.Seq < p.seq {
			return sealed, changed
		}
		if p == nil {
			p = &partial{
				itemID: ev.ItemID,
				entry:  TranscriptEntry{ID: a.newID(), Role: ev.Role, Timestamp: a.now()},
			}
			a.open[ev.Role] = p
		}
		if ev.Text != "" {
			p.entry.Text = ev.Text
		}
		if e, ok := a.seal(ev.Role); ok {
			sealed = append(sealed, e)
		}
		return sealed, true
	}
	return sealed, changed
}

// seal moves the open entry of role into history. Entries without text are
// dropped. The item is remembered so late events for it are ignored.
func (a *assembler) seal(role voice.Role) (TranscriptEntry, bool) {
	p := a.open[role]
	if p == nil {
		return TranscriptEntry{}, false
	}
	delete(a.open, role)
	a.sealed[itemKey{role, p.itemID}] = struct{}{}
	if p.entry.Text == "" {
		return TranscriptEntry{}, false
	}
	a.history = append(a.history, p.entry)
	return p.entry, true
}

// clear empties history and discards in-progress entries for good.
func (a *assembler) clear() {
	for role, p := range a.open {
		a.cleared[itemKey{role, p.itemID}] = struct{}{}
	}
	clear(a.open)
	a.history = nil
}

// discardPartials drops in-progress entries without blocking their items, so
// a resumed backend may still deliver them.
func (a *assembler) discardPartials() bool {
	if len(a.open) == 0 {
		return false
	}
	clear(a.open)
	return true
}

func (a *assembler) reset() {
	a.history = nil
	a.open = make(map[voice.Role]*partial, 2)
	a.sealed = make(map[itemKey]struct{})
	a.cleared = make(map[itemKey]struct{})
}

// count returns the number of sealed entries.
func (a *assembler) count() int { return len(a.history) }

// snapshot returns copies of the history and the in-progress entries, user
// first.
func (a *assembler) snapshot() (history, partials []TranscriptEntry) {
	history = make([]TranscriptEntry, len(a.history))
	copy(history, a.history)
	for _, role := range []voice.Role{voice.RoleUser, voice.RoleBot} {
		if p := a.open[role]; p != nil {
			partials = append(partials, p.entry)
		}
	}
	return history, partials
}
