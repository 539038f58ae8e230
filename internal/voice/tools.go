package voice

import "time"

// ToolCallRecord is one tool invocation made by the bot during a turn.
type ToolCallRecord struct {
	// CallID is the backend's identifier, empty when the protocol has none.
	CallID string `json:"call_id,omitempty"`
	Tool   string `json:"tool"`
	TurnID string `json:"turn_id,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Active reports whether the call has not finished yet.
func (r ToolCallRecord) Active() bool { return r.FinishedAt == nil }

// tracker keeps the ordered set of tool calls of the current session.
//
// A finish event is matched by call id when the backend supplies one, and
// otherwise to the oldest unfinished record of the same tool that has no call
// id either. Not safe for concurrent use.
type tracker struct {
	now     func() time.Time
	records []ToolCallRecord
}

func newTracker(now func() time.Time) *tracker {
	return &tracker{now: now}
}

func (t *tracker) start(callID, tool, turnID string) {
	t.records = append(t.records, ToolCallRecord{
		CallID:    callID,
		Tool:      tool,
		TurnID:    turnID,
		StartedAt: t.now(),
	})
}

// finish marks the matching record finished. It returns the duration of the
// call and false when no record matched.
func (t *tracker) finish(callID, tool string) (time.Duration, bool) {
	i := t.match(callID, tool)
	if i < 0 {
		return 0, false
	}
	now := t.now()
	t.records[i].FinishedAt = &now
	return now.Sub(t.records[i].StartedAt), true
}

func (t *tracker) match(callID, tool string) int {
	for i, r := range t.records {
		if !r.Active() {
			continue
		}
		if callID != "" {
			if r.CallID == callID {
				return i
			}
			continue
		}
		if r.CallID == "" && r.Tool == tool {
			return i
		}
	}
	return -1
}

// pruneFinished drops finished records. Called when a turn settles.
func (t *tracker) pruneFinished() bool {
	kept := t.records[:0]
	for _, r := range t.records {
		if r.Active() {
			kept = append(kept, r)
		}
	}
	changed := len(kept) != len(t.records)
	clear(t.records[len(kept):])
	t.records = kept
	return changed
}

// dropTurn discards the unfinished calls of an interrupted turn. Their
// completions will not arrive.
func (t *tracker) dropTurn(turnID string) bool {
	kept := t.records[:0]
	for _, r := range t.records {
		if r.Active() && r.TurnID == turnID {
			continue
		}
		kept = append(kept, r)
	}
	changed := len(kept) != len(t.records)
	clear(t.records[len(kept):])
	t.records = kept
	return changed
}

func (t *tracker) reset() bool {
	changed := len(t.records) > 0
	t.records = nil
	return changed
}

// all returns a copy of every record, oldest first.
func (t *tracker) all() []ToolCallRecord {
	if len(t.records) == 0 {
		return nil
	}
	out := make([]ToolCallRecord, len(t.records))
	copy(out, t.records)
	return out
}

// active returns a copy of the unfinished records, oldest first.
func (t *tracker) active() []ToolCallRecord {
	var out []ToolCallRecord
	for _, r := range t.records {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}
