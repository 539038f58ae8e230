// Package playback plays assistant reply audio through an [audio.Sink].
//
// Reply audio arrives as chunks tagged with a turn id. The [Player] keeps one
// FIFO entry per turn and plays turns strictly in arrival order. When a turn
// has been marked complete with [Player.EndTurn] and its last chunk has been
// written, the turn-done callback fires. [Player.Interrupt] is a hard stop: the
// current turn is cancelled mid-chunk, every queued chunk is discarded, and the
// sink is flushed so nothing already buffered remains audible.
package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/botcall/pkg/audio"
)

const (
	// DefaultLead is how far ahead of real time the player may write when
	// pacing is enabled. Anything beyond this stays in the player's queue where
	// an interrupt can still discard it.
	DefaultLead = 120 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the turn queue.
	defaultQueueCap = 4
)

// Option configures a [Player] during construction.
type Option func(*Player)

// WithPacing makes the player write no further than lead ahead of real time,
// computing chunk durations from f. Without pacing every chunk is handed to
// the sink as soon as it arrives.
func WithPacing(f audio.Format, lead time.Duration) Option {
	return func(p *Player) {
		if f.BytesPerSecond() <= 0 {
			return
		}
		if lead < 0 {
			lead = 0
		}
		p.format = f
		p.lead = lead
		p.pace = true
	}
}

// WithConverter converts every chunk from the backend's output format src to
// the sink format dst before writing.
func WithConverter(src, dst audio.Format) Option {
	return func(p *Player) {
		if src == dst || src.SampleRate <= 0 || dst.SampleRate <= 0 {
			return
		}
		p.src = src
		p.conv = &audio.FormatConverter{Target: dst}
	}
}

// OnTurnDone registers the callback invoked after the last chunk of a turn
// ended with [Player.EndTurn] has been written. Interrupted turns never
// report. Called from the playback goroutine.
func OnTurnDone(fn func(turnID string)) Option {
	return func(p *Player) { p.onTurnDone = fn }
}

// OnError registers the callback invoked when the sink rejects a write or a
// flush. Playback continues with the next chunk. Called from the playback
// goroutine.
func OnError(fn func(error)) Option {
	return func(p *Player) { p.onError = fn }
}

// OnStopped registers the callback invoked once an interrupt has taken
// effect: the in-flight write has returned and the sink has been flushed.
func OnStopped(fn func()) Option {
	return func(p *Player) { p.onStopped = fn }
}

// turn is the queued audio of one assistant response.
type turn struct {
	id     string
	chunks [][]byte
	next   int  // index of the next chunk to write
	ended  bool // EndTurn was called; no more chunks will arrive
}

// Player is the playback pipeline. All exported methods are safe for
// concurrent use and never block on the sink.
type Player struct {
	sink audio.Sink

	pace   bool
	format audio.Format
	lead   time.Duration
	src    audio.Format
	conv   *audio.FormatConverter

	onTurnDone func(string)
	onError    func(error)
	onStopped  func()

	mu            sync.Mutex
	queue         []*turn
	playing       *turn
	cancelPlaying chan struct{} // closed to interrupt the current turn
	flushPending  bool

	notify chan struct{} // signalled when chunks arrive, a turn ends or an interrupt fires
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
	wg     sync.WaitGroup
}

// New creates a [Player] writing to sink and starts its dispatch goroutine.
// Call [Player.Close] to stop it; Close does not close the sink.
func New(sink audio.Sink, opts ...Option) *Player {
	p := &Player{
		sink:   sink,
		queue:  make([]*turn, 0, defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Enqueue appends chunk to the audio of turnID. A chunk for a turn that has
// already ended starts a new entry for that id.
func (p *Player) Enqueue(turnID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	t := p.openTurnLocked(turnID)
	if t == nil {
		t = &turn{id: turnID}
		p.queue = append(p.queue, t)
	}
	t.chunks = append(t.chunks, chunk)
	p.wakeLocked()
}

// EndTurn marks turnID complete: once its queued audio has been written the
// turn-done callback fires. It reports whether any audio was pending for the
// turn; when false no callback will follow.
func (p *Player) EndTurn(turnID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	t := p.openTurnLocked(turnID)
	if t == nil {
		return false
	}
	t.ended = true
	p.wakeLocked()
	return true
}

// Interrupt stops the current turn, discards everything queued and flushes the
// sink. It returns the number of chunks that were discarded without being
// written. The stop itself completes asynchronously; see [OnStopped].
func (p *Player) Interrupt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}

	dropped := 0
	if p.playing != nil {
		dropped += len(p.playing.chunks) - p.playing.next
	}
	for _, t := range p.queue {
		dropped += len(t.chunks) - t.next
	}
	p.interruptLocked()
	p.flushPending = true
	p.wakeLocked()
	return dropped
}

// Busy reports whether any audio is playing or queued.
func (p *Player) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing != nil || len(p.queue) > 0
}

// Close stops the dispatch goroutine and drops all queued audio. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.interruptLocked()
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	return nil
}

// openTurnLocked returns the most recent not-yet-ended entry for turnID.
// Must be called with p.mu held.
func (p *Player) openTurnLocked(turnID string) *turn {
	for i := len(p.queue) - 1; i >= 0; i-- {
		if t := p.queue[i]; t.id == turnID && !t.ended {
			return t
		}
	}
	if t := p.playing; t != nil && t.id == turnID && !t.ended {
		return t
	}
	return nil
}

// interruptLocked cancels the playing turn and clears the queue.
// Must be called with p.mu held.
func (p *Player) interruptLocked() {
	if p.cancelPlaying != nil {
		close(p.cancelPlaying)
		p.cancelPlaying = nil
	}
	p.playing = nil
	clear(p.queue)
	p.queue = p.queue[:0]
}

func (p *Player) wakeLocked() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// dispatch is the background goroutine that pulls turns from the queue and
// writes their chunks to the sink. It runs until [Player.Close] is called.
func (p *Player) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			p.flushIfPending()

			t, cancel, ok := p.dequeue()
			if !ok {
				break
			}

			completed := p.play(t, cancel)

			p.mu.Lock()
			if p.playing == t {
				p.playing = nil
				p.cancelPlaying = nil
			}
			p.mu.Unlock()

			if completed && p.onTurnDone != nil {
				p.onTurnDone(t.id)
			}
		}
	}
}

// flushIfPending flushes the sink after an interrupt.
func (p *Player) flushIfPending() {
	p.mu.Lock()
	pending := p.flushPending
	p.flushPending = false
	p.mu.Unlock()
	if !pending {
		return
	}
	if err := p.sink.Flush(); err != nil && p.onError != nil {
		p.onError(err)
	}
	if p.onStopped != nil {
		p.onStopped()
	}
}

// dequeue pops the oldest turn and marks it as playing. Returns ok=false if
// the queue is empty.
func (p *Player) dequeue() (t *turn, cancel chan struct{}, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil, nil, false
	}
	t = p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	cancel = make(chan struct{})
	p.playing = t
	p.cancelPlaying = cancel
	return t, cancel, true
}

// nextChunk returns the next unwritten chunk of t. When none is buffered it
// reports whether the turn has ended.
func (p *Player) nextChunk(t *turn) (chunk []byte, ended bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.next < len(t.chunks) {
		chunk = t.chunks[t.next]
		t.chunks[t.next] = nil
		t.next++
		return chunk, false
	}
	return nil, t.ended
}

// play writes the chunks of t until the turn ends (true) or cancel/done fires
// (false).
func (p *Player) play(t *turn, cancel chan struct{}) bool {
	start := time.Now()
	var written time.Duration

	for {
		chunk, ended := p.nextChunk(t)
		if chunk == nil {
			if ended {
				return true
			}
			select {
			case <-p.done:
				return false
			case <-cancel:
				return false
			case <-p.notify:
				// Re-signal so the outer loop sees interrupts that raced us.
				p.mu.Lock()
				if p.flushPending {
					p.wakeLocked()
				}
				p.mu.Unlock()
				continue
			}
		}

		select {
		case <-cancel:
			return false
		default:
		}

		if p.conv != nil {
			chunk = p.conv.Convert(audio.AudioFrame{
				Data:       chunk,
				SampleRate: p.src.SampleRate,
				Channels:   p.src.Channels,
			}).Data
			if len(chunk) == 0 {
				continue
			}
		}
		if err := p.sink.Write(chunk); err != nil && p.onError != nil {
			p.onError(err)
		}

		if !p.pace {
			continue
		}
		written += p.format.Duration(len(chunk))
		ahead := written - time.Since(start)
		if ahead <= p.lead {
			continue
		}
		timer := time.NewTimer(ahead - p.lead)
		select {
		case <-p.done:
			timer.Stop()
			return false
		case <-cancel:
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
