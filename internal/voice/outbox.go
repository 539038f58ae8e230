package voice

import "sync"

// defaultOutboxFrames bounds queued microphone audio. At 20ms frames this is
// two seconds.
const defaultOutboxFrames = 100

type outKind uint8

const (
	outAudio outKind = iota
	outCommit
	outClear
	outInterrupt
)

type outMsg struct {
	kind   outKind
	data   []byte
	turnID string
}

// outbox queues outbound control and audio for the writer goroutine, so the
// dispatch path never blocks on the transport. Interrupts jump the queue.
// When the audio backlog is full the oldest queued frame makes room.
type outbox struct {
	mu       sync.Mutex
	queue    []outMsg
	urgent   []outMsg
	audio    int
	maxAudio int
	dropped  int
	notify   chan struct{}
}

func newOutbox(maxAudio int) *outbox {
	if maxAudio <= 0 {
		maxAudio = defaultOutboxFrames
	}
	return &outbox{maxAudio: maxAudio, notify: make(chan struct{}, 1)}
}

func (o *outbox) push(m outMsg) {
	o.mu.Lock()
	switch {
	case m.kind == outInterrupt:
		o.urgent = append(o.urgent, m)
	case m.kind == outAudio && o.audio >= o.maxAudio:
		o.dropOldestAudio()
		o.queue = append(o.queue, m)
	default:
		if m.kind == outAudio {
			o.audio++
		}
		o.queue = append(o.queue, m)
	}
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// dropOldestAudio removes the first queued audio frame. Control messages keep
// their order. Must be called with o.mu held.
func (o *outbox) dropOldestAudio() {
	for i, q := range o.queue {
		if q.kind == outAudio {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.dropped++
			return
		}
	}
}

// take returns everything queued, urgent messages first, and the number of
// audio frames dropped since the last take.
func (o *outbox) take() (msgs []outMsg, dropped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs = append(o.urgent, o.queue...)
	o.urgent = nil
	o.queue = nil
	o.audio = 0
	dropped = o.dropped
	o.dropped = 0
	return msgs, dropped
}

// reset discards everything queued. Used when the transport drops; the
// backlog belongs to the dead session.
func (o *outbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urgent = nil
	o.queue = nil
	o.audio = 0
}
